package pyramid

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Image is an interleaved float image. Pixel values are nominally in [0,1];
// Laplacian residuals are signed.
type Image struct {
	H, W, C int
	Pix     []float64
}

// NewImage allocates a zeroed image.
func NewImage(h, w, c int) *Image {
	return &Image{H: h, W: w, C: c, Pix: make([]float64, h*w*c)}
}

// At returns channel ch of pixel (y, x).
func (m *Image) At(y, x, ch int) float64 {
	return m.Pix[(y*m.W+x)*m.C+ch]
}

// Set stores channel ch of pixel (y, x).
func (m *Image) Set(y, x, ch int, v float64) {
	m.Pix[(y*m.W+x)*m.C+ch] = v
}

// MinSide returns min(H, W).
func (m *Image) MinSide() int {
	return min(m.H, m.W)
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := &Image{H: m.H, W: m.W, C: m.C, Pix: make([]float64, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// FromImage converts img to a normalized float image. When gray is set,
// color input is collapsed with ITU-R BT.601 luma weights.
func FromImage(img image.Image, gray bool) *Image {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()

	_, isGray := img.(*image.Gray)
	c := 3
	if gray || isGray {
		c = 1
	}

	out := NewImage(h, w, c)
	for y := range h {
		for x := range w {
			px := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			r, g, bl := float64(px.R)/255, float64(px.G)/255, float64(px.B)/255
			if c == 1 {
				out.Set(y, x, 0, 0.299*r+0.587*g+0.114*bl)
				continue
			}
			out.Set(y, x, 0, r)
			out.Set(y, x, 1, g)
			out.Set(y, x, 2, bl)
		}
	}
	return out
}

// ToImage converts back to an 8-bit image, clamping to [0,1].
// Single-channel images become *image.Gray, others *image.NRGBA.
func (m *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, m.W, m.H)
	if m.C == 1 {
		out := image.NewGray(rect)
		for y := range m.H {
			for x := range m.W {
				out.Pix[y*out.Stride+x] = toByte(m.At(y, x, 0), 0)
			}
		}
		return out
	}
	out := image.NewNRGBA(rect)
	for y := range m.H {
		for x := range m.W {
			i := y*out.Stride + x*4
			out.Pix[i] = toByte(m.At(y, x, 0), 0)
			out.Pix[i+1] = toByte(m.At(y, x, 1), 0)
			out.Pix[i+2] = toByte(m.At(y, x, 2), 0)
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// toByte maps v*255+offset to [0,255] with rounding.
func toByte(v, offset float64) uint8 {
	q := math.Round(v*255 + offset)
	switch {
	case q < 0:
		return 0
	case q > 255:
		return 255
	default:
		return uint8(q)
	}
}

// quantize converts the image to bytes with the given offset.
func (m *Image) quantize(offset float64) []byte {
	out := make([]byte, len(m.Pix))
	for i, v := range m.Pix {
		out[i] = toByte(v, offset)
	}
	return out
}

// dequantize rebuilds a float image from bytes written with offset.
func dequantize(data []byte, h, w, c int, offset float64) (*Image, error) {
	if len(data) != h*w*c {
		return nil, fmt.Errorf("layer payload has %d bytes, want %d", len(data), h*w*c)
	}
	m := NewImage(h, w, c)
	for i, b := range data {
		m.Pix[i] = (float64(b) - offset) / 255
	}
	return m, nil
}
