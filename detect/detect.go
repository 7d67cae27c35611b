// Package detect holds the onboard image heuristics: dark-frame tests,
// brightness, and a star finder.
package detect

import (
	"encoding/binary"
	"image"
	"image/draw"
	"math"
	"sort"
)

// Dark-frame thresholds.
const (
	DarkPixel    = 15
	DarkFraction = 0.95
	// NightRMS is the gray RMS below which a daylight frame is retaken
	// with the night exposure program.
	NightRMS = 50
)

// Star finder defaults.
const (
	DefaultThreshold   = 0.25
	DefaultMinDistance = 0.03
	DefaultMaxStars    = 30
	DefaultSensitivity = 50
)

// Point is a pixel position.
type Point struct {
	X, Y int
}

// Gray returns img as an 8-bit gray image, converting when needed.
func Gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// DarkShare returns the fraction of gray pixels below DarkPixel.
func DarkShare(img image.Image) float64 {
	g := Gray(img)
	b := g.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 1
	}
	dark := 0
	for y := 0; y < b.Dy(); y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < b.Dx(); x++ {
			if row[x] < DarkPixel {
				dark++
			}
		}
	}
	return float64(dark) / float64(total)
}

// IsDark reports whether more than DarkFraction of the frame is black.
// This is the "good image" flag of the imaging service and the dark-Earth
// test gating star analysis.
func IsDark(img image.Image) bool {
	return DarkShare(img) > DarkFraction
}

// RMS returns the root mean square of the gray levels.
func RMS(img image.Image) float64 {
	g := Gray(img)
	b := g.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < b.Dy(); y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < b.Dx(); x++ {
			v := float64(row[x])
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(total))
}

// StarOptions tunes FindStars. Zero fields take the defaults.
type StarOptions struct {
	// Threshold is the candidate floor as a fraction of the frame maximum.
	Threshold float64
	// Sensitivity is an absolute gray floor (0..255).
	Sensitivity int
	// MaxStars bounds the result.
	MaxStars int
	// MinDistance is the suppression radius as a fraction of the diagonal.
	MinDistance float64
}

func (o StarOptions) withDefaults() StarOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxStars <= 0 {
		o.MaxStars = DefaultMaxStars
	}
	if o.MinDistance <= 0 {
		o.MinDistance = DefaultMinDistance
	}
	return o
}

type candidate struct {
	p Point
	v uint8
}

// FindStars returns star centers, brightest first. Candidates are local
// maxima above both floors; a greedy pass keeps the brightest and drops
// every other candidate closer than the suppression radius.
func FindStars(img image.Image, opts StarOptions) []Point {
	opts = opts.withDefaults()
	g := Gray(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil
	}

	var peak uint8
	for y := range h {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			peak = max(peak, v)
		}
	}
	if peak == 0 {
		return nil
	}
	floor := max(opts.Threshold*float64(peak), float64(opts.Sensitivity))

	at := func(x, y int) uint8 { return g.Pix[y*g.Stride+x] }
	var cands []candidate
	for y := range h {
		for x := range w {
			v := at(x, y)
			if float64(v) <= floor {
				continue
			}
			if !isLocalMax(at, x, y, w, h, v) {
				continue
			}
			cands = append(cands, candidate{p: Point{X: x, Y: y}, v: v})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].v > cands[j].v })

	radius := math.Hypot(float64(w), float64(h)) * opts.MinDistance
	r2 := radius * radius
	var stars []Point
	for _, c := range cands {
		if len(stars) == opts.MaxStars {
			break
		}
		suppressed := false
		for _, s := range stars {
			dx, dy := float64(c.p.X-s.X), float64(c.p.Y-s.Y)
			if dx*dx+dy*dy < r2 {
				suppressed = true
				break
			}
		}
		if !suppressed {
			stars = append(stars, c.p)
		}
	}
	return stars
}

func isLocalMax(at func(x, y int) uint8, x, y, w, h int, v uint8) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			if at(nx, ny) > v {
				return false
			}
		}
	}
	return true
}

// MarshalStars encodes points as a one-byte count followed by (x, y)
// uint16 little-endian pairs. At most 255 points are written.
func MarshalStars(points []Point) []byte {
	n := min(len(points), 255)
	out := make([]byte, 1, 1+4*n)
	out[0] = byte(n)
	for _, p := range points[:n] {
		out = binary.LittleEndian.AppendUint16(out, uint16(p.X))
		out = binary.LittleEndian.AppendUint16(out, uint16(p.Y))
	}
	return out
}
