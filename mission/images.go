package mission

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/types"
)

// loadImage decodes a JPEG or PNG file.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// writeJPEG encodes img at quality q and replaces path with it.
func writeJPEG(path string, img image.Image, q int) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return iox.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// resize scales img to exactly w x h.
func resize(img image.Image, w, h int, scaler draw.Scaler) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// thumbnail scales img so its long side is longSide, keeping the aspect
// ratio. Images already that small are returned as is.
func thumbnail(img image.Image, longSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if longSide <= 0 || max(w, h) <= longSide {
		return img
	}
	if w >= h {
		return resize(img, longSide, max(1, h*longSide/w), draw.CatmullRom)
	}
	return resize(img, max(1, w*longSide/h), longSide, draw.CatmullRom)
}

// crop returns the window of size w x h centered on (x, y), shifted to
// stay inside img. A window larger than the image is clipped to it.
func crop(img image.Image, x, y, w, h int) image.Image {
	b := img.Bounds()
	w, h = min(w, b.Dx()), min(h, b.Dy())
	x0 := min(max(x-w/2, 0), b.Dx()-w)
	y0 := min(max(y-h/2, 0), b.Dy()-h)
	r := image.Rect(x0, y0, x0+w, y0+h).Add(b.Min)

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// channels reports 1 for gray images and 3 otherwise.
func channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	default:
		return 3
	}
}

// writeMeta writes the mission's _metafile.bin.
func writeMeta(dir string, rec types.MetaRecord) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return iox.WriteFileAtomic(filepath.Join(dir, MetaFile), data, 0o644)
}

// metaFor fills the image fields of a metadata record.
func metaFor(class uint8, img image.Image, count int) types.MetaRecord {
	b := img.Bounds()
	return types.MetaRecord{
		Class:    class,
		Height:   uint16(min(b.Dy(), 0xffff)),
		Width:    uint16(min(b.Dx(), 0xffff)),
		Channels: uint8(channels(img)),
		Count:    uint8(min(count, 0xff)),
	}
}

// countArtifacts counts regular files in dir other than the metadata file.
func countArtifacts(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != MetaFile && e.Name()[0] != '.' {
			n++
		}
	}
	return n
}
