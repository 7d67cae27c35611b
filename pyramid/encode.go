// Package pyramid implements the adaptive multi-resolution image codec.
//
// An image is split into a Laplacian pyramid: a small low-pass base plus
// band-pass residuals of increasing resolution. Layers are written coarsest
// first as lap_pyr_1, lap_pyr_2, ... and each is encoded in the cheapest
// format that still fits the remaining byte budget. Writing stops at the
// first layer that does not fit, so whatever reaches the ground is always
// a gapless prefix that decodes to a usable, if blurrier, image.
package pyramid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/satlla/obc/iox"
)

// Defaults for Options.
const (
	DefaultBudget       = 16 * 1024
	DefaultPreviewRatio = 40
)

// PreviewName is the file name of the full-resolution lossy preview.
const PreviewName = "full.jp2"

// Options configures Encode.
type Options struct {
	// Budget is the byte ceiling for all layers together (default 16 KiB).
	Budget int
	// Depth is the target number of reduce steps (default 7).
	Depth int
	// PreviewRatio is the wavelet ratio of the preview (default 40).
	PreviewRatio int
	// KeepPreview leaves full.jp2 next to the layers.
	KeepPreview bool
}

func (o Options) withDefaults() Options {
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	if o.Depth <= 0 {
		o.Depth = DefaultDepth
	}
	if o.PreviewRatio <= 0 {
		o.PreviewRatio = DefaultPreviewRatio
	}
	return o
}

// LayerInfo describes one written layer.
type LayerInfo struct {
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	Name    string `json:"name" yaml:"name"`
	Format  Format `json:"format" yaml:"format"`
	Bytes   int    `json:"bytes" yaml:"bytes"`
	Ratio   int    `json:"ratio,omitempty" yaml:"ratio,omitempty"`
	Height  int    `json:"height" yaml:"height"`
	Width   int    `json:"width" yaml:"width"`
}

// Result summarizes an Encode call.
type Result struct {
	Layers       []LayerInfo `json:"layers" yaml:"layers"`
	Levels       int         `json:"levels" yaml:"levels"`
	Budget       int         `json:"budget" yaml:"budget"`
	PreviewBytes int         `json:"preview_bytes" yaml:"preview_bytes"`
	TotalBytes   int         `json:"total_bytes" yaml:"total_bytes"`
	Height       int         `json:"height" yaml:"height"`
	Width        int         `json:"width" yaml:"width"`
	Channels     int         `json:"channels" yaml:"channels"`
}

// Encode writes img's pyramid layers into dir under opts.Budget.
//
// The effective budget is the smaller of opts.Budget and the size of a
// full-resolution preview at opts.PreviewRatio, so the layers never cost
// more than simply sending the preview would. The base layer is always
// written; if it alone exceeds the budget Encode fails with
// ErrBudgetTooSmall and leaves no files behind, preview included. Files
// are written atomically, so a failed write never leaves a torn layer.
func Encode(img *Image, dir string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	preview, err := encodeWavelet(img.quantize(0), img.H, img.W, img.C, opts.PreviewRatio)
	if err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	previewPath := filepath.Join(dir, PreviewName)
	if opts.KeepPreview {
		if err := iox.WriteFileAtomic(previewPath, preview, 0o644); err != nil {
			return nil, fmt.Errorf("write preview: %w", err)
		}
	}

	layers := Laplacian(img, opts.Depth)
	res := &Result{
		Levels:       len(layers),
		Budget:       min(opts.Budget, len(preview)),
		PreviewBytes: len(preview),
		Height:       img.H,
		Width:        img.W,
		Channels:     img.C,
	}

	for i, layer := range layers {
		remaining := res.Budget - res.TotalBytes
		payload, format, ratio, err := fitLayer(layer, layerOffset(i+1), remaining)
		if errors.Is(err, ErrBudgetExceeded) {
			if i == 0 {
				if opts.KeepPreview {
					_ = os.Remove(previewPath)
				}
				return nil, fmt.Errorf("%w: %d bytes available", ErrBudgetTooSmall, remaining)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("encode layer %d: %w", i+1, err)
		}

		name := LayerName(i+1, format)
		if err := iox.WriteFileAtomic(filepath.Join(dir, name), payload, 0o644); err != nil {
			return nil, fmt.Errorf("write layer %d: %w", i+1, err)
		}
		res.TotalBytes += len(payload)
		res.Layers = append(res.Layers, LayerInfo{
			Ordinal: i + 1,
			Name:    name,
			Format:  format,
			Bytes:   len(payload),
			Ratio:   ratio,
			Height:  layer.H,
			Width:   layer.W,
		})
	}
	return res, nil
}

// layerOffset is the quantization offset of ordinal n: the low-pass base is
// non-negative, residuals are centered on mid-grey.
func layerOffset(n int) float64 {
	if n == 1 {
		return 0
	}
	return 128
}

// fitLayer picks the format for one layer and encodes it within remaining
// bytes, or returns ErrBudgetExceeded.
//
// The smallest lossless encoding is taken whenever it fits, otherwise the
// first lossy ratio whose stream is under remaining. Total bytes written
// by Encode are then non-decreasing in the budget.
func fitLayer(layer *Image, offset float64, remaining int) ([]byte, Format, int, error) {
	data := layer.quantize(offset)
	h, w, c := layer.H, layer.W, layer.C

	if layer.MinSide() < RawSideLimit {
		payload := encodeRaw(data, h, w, c)
		if len(payload) > remaining {
			return nil, "", 0, ErrBudgetExceeded
		}
		return payload, FormatBin, 0, nil
	}

	payload, err := encodePNG(data, h, w, c)
	if err != nil {
		return nil, "", 0, err
	}
	format, ratio := FormatPNG, 0
	if layer.MinSide() >= LosslessSideLimit {
		exact, err := encodeWavelet(data, h, w, c, 1)
		if err != nil {
			return nil, "", 0, err
		}
		if len(exact) < len(payload) {
			payload, format, ratio = exact, FormatJP2, 1
		}
	}
	if len(payload) <= remaining {
		return payload, format, ratio, nil
	}
	if layer.MinSide() < LosslessSideLimit || remaining < LosslessBudgetFloor {
		return nil, "", 0, ErrBudgetExceeded
	}

	// Ratio 1 is lossless and already larger than remaining.
	for ratio := 2; ratio <= MaxRatio; ratio++ {
		payload, err := encodeWavelet(data, h, w, c, ratio)
		if err != nil {
			return nil, "", 0, err
		}
		if len(payload) < remaining {
			return payload, FormatJP2, ratio, nil
		}
	}
	return nil, "", 0, ErrBudgetExceeded
}
