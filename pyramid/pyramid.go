package pyramid

import (
	"fmt"
	"math"
)

// DefaultDepth is the target number of reduce steps.
const DefaultDepth = 7

// Levels returns the number of reduce steps for an h x w image: the target
// depth, capped so the coarsest level keeps at least two pixels on its
// shorter side.
func Levels(h, w, depth int) int {
	side := min(h, w)
	if side < 4 {
		return 0
	}
	floor := int(math.Floor(math.Log2(float64(side) / 2)))
	return max(0, min(depth, floor))
}

// Gaussian builds the Gaussian pyramid, finest level first. Level 0 is the
// input itself.
func Gaussian(img *Image, depth int) []*Image {
	n := Levels(img.H, img.W, depth)
	levels := make([]*Image, 0, n+1)
	levels = append(levels, img)
	cur := img
	for range n {
		cur = reduce(cur)
		levels = append(levels, cur)
	}
	return levels
}

// Laplacian decomposes img into a low-pass base followed by band-pass
// residuals, ordered coarsest to finest.
func Laplacian(img *Image, depth int) []*Image {
	g := Gaussian(img, depth)
	n := len(g)
	layers := make([]*Image, 0, n)
	layers = append(layers, g[n-1])
	for k := n - 2; k >= 0; k-- {
		finer := g[k]
		up := expand(g[k+1], finer.H, finer.W)
		res := NewImage(finer.H, finer.W, finer.C)
		for i := range res.Pix {
			res.Pix[i] = finer.Pix[i] - up.Pix[i]
		}
		layers = append(layers, res)
	}
	return layers
}

// Reconstruct collapses a layer prefix (base first) into an image at the
// resolution of the last layer.
func Reconstruct(layers []*Image) (*Image, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	cur := layers[0].Clone()
	for i, res := range layers[1:] {
		if (res.H+1)/2 != cur.H || (res.W+1)/2 != cur.W || res.C != cur.C {
			return nil, fmt.Errorf("layer %d is %dx%dx%d, does not follow %dx%dx%d",
				i+2, res.H, res.W, res.C, cur.H, cur.W, cur.C)
		}
		up := expand(cur, res.H, res.W)
		for j := range up.Pix {
			up.Pix[j] += res.Pix[j]
		}
		cur = up
	}
	return cur, nil
}

// UpsampleTo expands img through the pyramid size chain of an h x w image
// until it reaches h x w. It fails if img's size is not on that chain.
func UpsampleTo(img *Image, h, w int) (*Image, error) {
	chain := [][2]int{{h, w}}
	for ch, cw := h, w; ch > img.H || cw > img.W; {
		ch, cw = (ch+1)/2, (cw+1)/2
		chain = append(chain, [2]int{ch, cw})
		if ch == 1 && cw == 1 {
			break
		}
	}
	last := chain[len(chain)-1]
	if last[0] != img.H || last[1] != img.W {
		return nil, fmt.Errorf("%dx%d is not a pyramid level of %dx%d", img.H, img.W, h, w)
	}
	cur := img
	for i := len(chain) - 2; i >= 0; i-- {
		cur = expand(cur, chain[i][0], chain[i][1])
	}
	return cur, nil
}
