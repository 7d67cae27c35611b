package pyramid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// The lossy layer codec is a reversible integer Haar (S-transform) wavelet
// with uniform quantization of the detail bands followed by zstd. At ratio
// 1 it is lossless; each ratio step coarsens the detail quantizer by one
// grey level, which shrinks the entropy-coded stream.
//
// Stream layout (little endian):
//
//	magic "OBW1" | h u16 | w u16 | c u8 | levels u8 | ratio u16 | zstd(varint coefficients)

const (
	waveletMagic     = "OBW1"
	waveletHeaderLen = 12
	maxWaveletLevels = 5
)

var errBadWavelet = errors.New("malformed wavelet stream")

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
})

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

func waveletLevels(h, w int) int {
	n := 0
	for min(h, w) >= 2 && n < maxWaveletLevels {
		h, w = (h+1)/2, (w+1)/2
		n++
	}
	return n
}

// haarForward applies one S-transform step in place over x[0:n] using
// stride. Lows land in the first ceil(n/2) slots, highs after them.
func haarForward(x []int32, off, n, stride int, tmp []int32) {
	half := (n + 1) / 2
	for i := 0; i < n/2; i++ {
		a, b := x[off+2*i*stride], x[off+(2*i+1)*stride]
		d := a - b
		tmp[i] = b + (d >> 1)
		tmp[half+i] = d
	}
	if n%2 == 1 {
		tmp[half-1] = x[off+(n-1)*stride]
	}
	for i := range n {
		x[off+i*stride] = tmp[i]
	}
}

func haarInverse(x []int32, off, n, stride int, tmp []int32) {
	half := (n + 1) / 2
	for i := 0; i < n/2; i++ {
		s, d := x[off+i*stride], x[off+(half+i)*stride]
		b := s - (d >> 1)
		tmp[2*i] = d + b
		tmp[2*i+1] = b
	}
	if n%2 == 1 {
		tmp[n-1] = x[off+(half-1)*stride]
	}
	for i := range n {
		x[off+i*stride] = tmp[i]
	}
}

// levelDims returns the low-band size before each transform level.
func levelDims(h, w, levels int) [][2]int {
	dims := make([][2]int, levels)
	for l := range levels {
		dims[l] = [2]int{h, w}
		h, w = (h+1)/2, (w+1)/2
	}
	return dims
}

func forward2D(p []int32, h, w, levels int) {
	tmp := make([]int32, max(h, w))
	for _, d := range levelDims(h, w, levels) {
		lh, lw := d[0], d[1]
		for y := range lh {
			haarForward(p, y*w, lw, 1, tmp)
		}
		for x := range lw {
			haarForward(p, x, lh, w, tmp)
		}
	}
}

func inverse2D(p []int32, h, w, levels int) {
	tmp := make([]int32, max(h, w))
	dims := levelDims(h, w, levels)
	for l := levels - 1; l >= 0; l-- {
		lh, lw := dims[l][0], dims[l][1]
		for x := range lw {
			haarInverse(p, x, lh, w, tmp)
		}
		for y := range lh {
			haarInverse(p, y*w, lw, 1, tmp)
		}
	}
}

func lowBand(h, w, levels int) (int, int) {
	for range levels {
		h, w = (h+1)/2, (w+1)/2
	}
	return h, w
}

func quantizeCoeff(v int32, step int32) int32 {
	if v >= 0 {
		return (v + step/2) / step
	}
	return -((-v + step/2) / step)
}

// encodeWavelet compresses interleaved 8-bit samples at the given ratio.
func encodeWavelet(data []byte, h, w, c, ratio int) ([]byte, error) {
	if ratio < 1 || ratio > 0xffff {
		return nil, fmt.Errorf("wavelet ratio %d out of range", ratio)
	}
	if h > 0xffff || w > 0xffff || c > 0xff {
		return nil, fmt.Errorf("wavelet shape %dx%dx%d out of range", h, w, c)
	}
	levels := waveletLevels(h, w)
	lh, lw := lowBand(h, w, levels)
	step := int32(ratio)

	coeffs := make([]byte, 0, h*w*c)
	plane := make([]int32, h*w)
	for ch := range c {
		for i := range plane {
			plane[i] = int32(data[i*c+ch])
		}
		forward2D(plane, h, w, levels)
		for i, v := range plane {
			if i/w >= lh || i%w >= lw {
				v = quantizeCoeff(v, step)
			}
			coeffs = binary.AppendVarint(coeffs, int64(v))
		}
	}

	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	out := make([]byte, waveletHeaderLen, waveletHeaderLen+len(coeffs)/2)
	copy(out, waveletMagic)
	binary.LittleEndian.PutUint16(out[4:6], uint16(h))
	binary.LittleEndian.PutUint16(out[6:8], uint16(w))
	out[8] = byte(c)
	out[9] = byte(levels)
	binary.LittleEndian.PutUint16(out[10:12], uint16(ratio))
	return enc.EncodeAll(coeffs, out), nil
}

// decodeWavelet reverses encodeWavelet, returning interleaved samples.
func decodeWavelet(stream []byte) (data []byte, h, w, c int, err error) {
	if len(stream) < waveletHeaderLen || !bytes.Equal(stream[:4], []byte(waveletMagic)) {
		return nil, 0, 0, 0, errBadWavelet
	}
	h = int(binary.LittleEndian.Uint16(stream[4:6]))
	w = int(binary.LittleEndian.Uint16(stream[6:8]))
	c = int(stream[8])
	levels := int(stream[9])
	step := int32(binary.LittleEndian.Uint16(stream[10:12]))
	if h == 0 || w == 0 || c == 0 || step == 0 || levels > maxWaveletLevels {
		return nil, 0, 0, 0, errBadWavelet
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("zstd decoder: %w", err)
	}
	coeffs, err := dec.DecodeAll(stream[waveletHeaderLen:], nil)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: %w", errBadWavelet, err)
	}

	lh, lw := lowBand(h, w, levels)
	data = make([]byte, h*w*c)
	plane := make([]int32, h*w)
	for ch := range c {
		for i := range plane {
			v, n := binary.Varint(coeffs)
			if n <= 0 {
				return nil, 0, 0, 0, errBadWavelet
			}
			coeffs = coeffs[n:]
			if i/w >= lh || i%w >= lw {
				v *= int64(step)
			}
			plane[i] = int32(v)
		}
		inverse2D(plane, h, w, levels)
		for i, v := range plane {
			data[i*c+ch] = uint8(max(0, min(255, v)))
		}
	}
	return data, h, w, c, nil
}
