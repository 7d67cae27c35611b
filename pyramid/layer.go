package pyramid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
)

// Format is the physical encoding of one layer.
type Format string

// Layer formats, keyed by file extension.
const (
	FormatBin Format = "bin"
	FormatPNG Format = "png"
	FormatJP2 Format = "jp2"
)

// Size thresholds that select a layer's format.
const (
	// RawSideLimit: layers with a shorter side below this are stored raw.
	RawSideLimit = 10
	// LosslessSideLimit: layers with a shorter side below this are PNG.
	LosslessSideLimit = 32
	// LosslessBudgetFloor: below this much remaining budget a large layer
	// is only kept if it fits losslessly; the lossy search is skipped.
	LosslessBudgetFloor = 3 * 1024
	// MaxRatio bounds the lossy ratio search.
	MaxRatio = 255
)

const rawHeaderLen = 5

// LayerName returns the file name of layer ordinal n (1-based) in format f.
func LayerName(n int, f Format) string {
	return fmt.Sprintf("lap_pyr_%d.%s", n, f)
}

// FormatOf returns the layer format implied by a file name.
func FormatOf(name string) (Format, bool) {
	switch f := Format(strings.TrimPrefix(filepath.Ext(name), ".")); f {
	case FormatBin, FormatPNG, FormatJP2:
		return f, true
	default:
		return "", false
	}
}

// encodeRaw writes h u16 | w u16 | c u8 followed by the samples.
func encodeRaw(data []byte, h, w, c int) []byte {
	out := make([]byte, rawHeaderLen, rawHeaderLen+len(data))
	binary.LittleEndian.PutUint16(out[0:2], uint16(h))
	binary.LittleEndian.PutUint16(out[2:4], uint16(w))
	out[4] = byte(c)
	return append(out, data...)
}

func decodeRaw(stream []byte) (data []byte, h, w, c int, err error) {
	if len(stream) < rawHeaderLen {
		return nil, 0, 0, 0, fmt.Errorf("raw layer: short header")
	}
	h = int(binary.LittleEndian.Uint16(stream[0:2]))
	w = int(binary.LittleEndian.Uint16(stream[2:4]))
	c = int(stream[4])
	data = stream[rawHeaderLen:]
	if len(data) != h*w*c {
		return nil, 0, 0, 0, fmt.Errorf("raw layer: %d samples for %dx%dx%d", len(data), h, w, c)
	}
	return data, h, w, c, nil
}

func encodePNG(data []byte, h, w, c int) ([]byte, error) {
	rect := image.Rect(0, 0, w, h)
	var img image.Image
	switch c {
	case 1:
		g := image.NewGray(rect)
		copy(g.Pix, data)
		img = g
	case 3:
		rgba := image.NewNRGBA(rect)
		for i := range h * w {
			copy(rgba.Pix[i*4:i*4+3], data[i*3:i*3+3])
			rgba.Pix[i*4+3] = 0xff
		}
		img = rgba
	default:
		return nil, fmt.Errorf("png layer: unsupported channel count %d", c)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png layer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePNG(stream []byte) (data []byte, h, w, c int, err error) {
	img, err := png.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("png layer: %w", err)
	}
	b := img.Bounds()
	h, w = b.Dy(), b.Dx()
	if g, ok := img.(*image.Gray); ok {
		data = make([]byte, h*w)
		for y := range h {
			copy(data[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
		}
		return data, h, w, 1, nil
	}
	data = make([]byte, h*w*3)
	for y := range h {
		for x := range w {
			px := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 3
			data[i], data[i+1], data[i+2] = px.R, px.G, px.B
		}
	}
	return data, h, w, 3, nil
}

// layerDims reads a layer's height and width from its header.
func layerDims(f Format, stream []byte) (h, w int, err error) {
	switch f {
	case FormatBin:
		if len(stream) < rawHeaderLen {
			return 0, 0, fmt.Errorf("raw layer: short header")
		}
		return int(binary.LittleEndian.Uint16(stream[0:2])), int(binary.LittleEndian.Uint16(stream[2:4])), nil
	case FormatPNG:
		cfg, err := png.DecodeConfig(bytes.NewReader(stream))
		if err != nil {
			return 0, 0, fmt.Errorf("png layer: %w", err)
		}
		return cfg.Height, cfg.Width, nil
	case FormatJP2:
		if len(stream) < waveletHeaderLen || !bytes.Equal(stream[:4], []byte(waveletMagic)) {
			return 0, 0, errBadWavelet
		}
		return int(binary.LittleEndian.Uint16(stream[4:6])), int(binary.LittleEndian.Uint16(stream[6:8])), nil
	default:
		return 0, 0, fmt.Errorf("unknown layer format %q", f)
	}
}

// decodeLayer dispatches on format and returns interleaved samples.
func decodeLayer(f Format, stream []byte) ([]byte, int, int, int, error) {
	switch f {
	case FormatBin:
		return decodeRaw(stream)
	case FormatPNG:
		return decodePNG(stream)
	case FormatJP2:
		return decodeWavelet(stream)
	default:
		return nil, 0, 0, 0, fmt.Errorf("unknown layer format %q", f)
	}
}
