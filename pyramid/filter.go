package pyramid

// kernel is the 5-tap binomial low-pass [1 4 6 4 1]/16, the separable
// factor of the 5x5 Gaussian used for both reduce and expand.
var kernel = [5]float64{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// upsampleGain compensates for the three quarters of zeros inserted by
// zero-upsampling.
const upsampleGain = 4

// reflect101 maps an out-of-range index into [0, n) by mirroring about the
// edge pixel without repeating it (dcba|bcd).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// blur applies the separable kernel and scales the result by gain.
func blur(src *Image, gain float64) *Image {
	h, w, c := src.H, src.W, src.C
	tmp := NewImage(h, w, c)
	for y := range h {
		for x := range w {
			for ch := range c {
				var acc float64
				for k := -2; k <= 2; k++ {
					acc += kernel[k+2] * src.At(y, reflect101(x+k, w), ch)
				}
				tmp.Set(y, x, ch, acc)
			}
		}
	}
	out := NewImage(h, w, c)
	for y := range h {
		for x := range w {
			for ch := range c {
				var acc float64
				for k := -2; k <= 2; k++ {
					acc += kernel[k+2] * tmp.At(reflect101(y+k, h), x, ch)
				}
				out.Set(y, x, ch, acc*gain)
			}
		}
	}
	return out
}

// decimate keeps every other row and column starting at 0.
func decimate(src *Image) *Image {
	h, w := (src.H+1)/2, (src.W+1)/2
	out := NewImage(h, w, src.C)
	for y := range h {
		for x := range w {
			for ch := range src.C {
				out.Set(y, x, ch, src.At(2*y, 2*x, ch))
			}
		}
	}
	return out
}

// reduce is one Gaussian pyramid step: low-pass then decimate.
func reduce(src *Image) *Image {
	return decimate(blur(src, 1))
}

// expand zero-upsamples src onto an h x w grid and interpolates with the
// kernel scaled by upsampleGain. h and w must halve (rounding up) to src's
// dimensions.
func expand(src *Image, h, w int) *Image {
	up := NewImage(h, w, src.C)
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			for ch := range src.C {
				up.Set(y, x, ch, src.At(y/2, x/2, ch))
			}
		}
	}
	return blur(up, upsampleGain)
}
