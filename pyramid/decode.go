package pyramid

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

var layerFile = regexp.MustCompile(`^lap_pyr_(\d+)\.(bin|png|jp2)$`)

type layerRef struct {
	ordinal int
	format  Format
	path    string
}

// listLayers returns the gapless run of layers starting at ordinal 1.
func listLayers(dir string) ([]layerRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read layer dir: %w", err)
	}
	byOrdinal := make(map[int]layerRef)
	for _, e := range entries {
		m := layerFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		byOrdinal[n] = layerRef{ordinal: n, format: Format(m[2]), path: filepath.Join(dir, e.Name())}
	}

	var refs []layerRef
	for n := 1; ; n++ {
		ref, ok := byOrdinal[n]
		if !ok {
			break
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ReadLayers loads up to maxLayers layers (all when maxLayers <= 0) from
// dir as float images, undoing each layer's quantization. A layer that
// does not decode ends the set like a missing one; only an unreadable base
// layer is an error.
func ReadLayers(dir string, maxLayers int) ([]*Image, error) {
	refs, err := listLayers(dir)
	if err != nil {
		return nil, err
	}
	if maxLayers > 0 && len(refs) > maxLayers {
		refs = refs[:maxLayers]
	}
	if len(refs) == 0 {
		return nil, ErrNoLayers
	}

	layers := make([]*Image, 0, len(refs))
	for _, ref := range refs {
		img, err := readLayer(ref)
		if err != nil {
			if len(layers) == 0 {
				return nil, err
			}
			break
		}
		layers = append(layers, img)
	}
	return layers, nil
}

func readLayer(ref layerRef) (*Image, error) {
	stream, err := os.ReadFile(ref.path)
	if err != nil {
		return nil, fmt.Errorf("read layer %d: %w", ref.ordinal, err)
	}
	data, h, w, c, err := decodeLayer(ref.format, stream)
	if err != nil {
		return nil, fmt.Errorf("decode layer %d: %w", ref.ordinal, err)
	}
	img, err := dequantize(data, h, w, c, layerOffset(ref.ordinal))
	if err != nil {
		return nil, fmt.Errorf("decode layer %d: %w", ref.ordinal, err)
	}
	return img, nil
}

// FullSize returns the resolution of the image a layer directory was
// encoded from: the preview's when full.jp2 is present, else that of the
// finest layer on disk.
func FullSize(dir string) (h, w int, err error) {
	if stream, err := os.ReadFile(filepath.Join(dir, PreviewName)); err == nil {
		if h, w, err := layerDims(FormatJP2, stream); err == nil {
			return h, w, nil
		}
	}

	refs, err := listLayers(dir)
	if err != nil {
		return 0, 0, err
	}
	for i := len(refs) - 1; i >= 0; i-- {
		stream, err := os.ReadFile(refs[i].path)
		if err != nil {
			continue
		}
		if h, w, err := layerDims(refs[i].format, stream); err == nil {
			return h, w, nil
		}
	}
	return 0, 0, ErrNoLayers
}

// Decode reconstructs the image from the layers in dir. A reconstruction
// from a prefix of the layers is upsampled to FullSize, so every prefix
// decodes to the same dimensions as the whole set.
func Decode(dir string, maxLayers int) (*Image, error) {
	h, w, err := FullSize(dir)
	if err != nil {
		return nil, err
	}
	return DecodeTo(dir, maxLayers, h, w)
}

// DecodeTo reconstructs from dir and upsamples the result to h x w, for
// callers that know the original size from elsewhere, such as the
// mission's metadata record.
func DecodeTo(dir string, maxLayers, h, w int) (*Image, error) {
	layers, err := ReadLayers(dir, maxLayers)
	if err != nil {
		return nil, err
	}
	img, err := Reconstruct(layers)
	if err != nil {
		return nil, err
	}
	if img.H == h && img.W == w {
		return img, nil
	}
	return UpsampleTo(img, h, w)
}
