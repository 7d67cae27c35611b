package pyramid

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// gradient returns a smooth diagonal ramp.
func gradient(h, w, c int) *Image {
	img := NewImage(h, w, c)
	for y := range h {
		for x := range w {
			for ch := range c {
				img.Set(y, x, ch, 0.2+0.6*float64(x+y)/float64(w+h))
			}
		}
	}
	return img
}

// textured returns a ramp with deterministic noise, which keeps the
// preview large enough to leave room for several layers.
func textured(h, w, c int) *Image {
	img := gradient(h, w, c)
	seed := uint32(12345)
	for i := range img.Pix {
		seed = seed*1664525 + 1013904223
		noise := (float64(seed>>8)/float64(1<<24) - 0.5) * 0.3
		img.Pix[i] = math.Max(0, math.Min(1, img.Pix[i]+noise))
	}
	return img
}

func meanAbsDiff(t *testing.T, a, b *Image) float64 {
	t.Helper()
	if a.H != b.H || a.W != b.W || a.C != b.C {
		t.Fatalf("shape mismatch: %dx%dx%d vs %dx%dx%d", a.H, a.W, a.C, b.H, b.W, b.C)
	}
	var sum float64
	for i := range a.Pix {
		sum += math.Abs(a.Pix[i] - b.Pix[i])
	}
	return sum / float64(len(a.Pix))
}

func TestReflect101(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 5, 1},
		{-2, 5, 2},
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 3},
		{6, 5, 2},
		{-1, 1, 0},
		{3, 2, 1},
	}
	for _, tt := range tests {
		if got := reflect101(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect101(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestLevels(t *testing.T) {
	tests := []struct{ h, w, depth, want int }{
		{480, 640, 7, 7},
		{64, 64, 7, 5},
		{32, 32, 7, 4},
		{64, 64, 2, 2},
		{3, 100, 7, 0},
	}
	for _, tt := range tests {
		if got := Levels(tt.h, tt.w, tt.depth); got != tt.want {
			t.Errorf("Levels(%d, %d, %d) = %d, want %d", tt.h, tt.w, tt.depth, got, tt.want)
		}
	}
}

func TestLaplacian_PerfectReconstruction(t *testing.T) {
	img := gradient(37, 53, 1)
	layers := Laplacian(img, DefaultDepth)
	if len(layers) != Levels(37, 53, DefaultDepth)+1 {
		t.Fatalf("got %d layers", len(layers))
	}
	if layers[0].MinSide() > layers[len(layers)-1].MinSide() {
		t.Fatal("layers not ordered coarsest first")
	}

	out, err := Reconstruct(layers)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if d := meanAbsDiff(t, img, out); d > 1e-9 {
		t.Errorf("reconstruction error %g", d)
	}
}

func TestReconstruct_RejectsMismatchedLayers(t *testing.T) {
	if _, err := Reconstruct(nil); !errors.Is(err, ErrNoLayers) {
		t.Errorf("expected ErrNoLayers, got %v", err)
	}
	if _, err := Reconstruct([]*Image{NewImage(2, 2, 1), NewImage(9, 9, 1)}); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestWavelet_LosslessAtRatioOne(t *testing.T) {
	h, w, c := 23, 41, 3
	data := make([]byte, h*w*c)
	for i := range data {
		data[i] = byte((i*37 + i/7) % 256)
	}
	stream, err := encodeWavelet(data, h, w, c, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, gh, gw, gc, err := decodeWavelet(stream)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gh != h || gw != w || gc != c {
		t.Fatalf("shape %dx%dx%d", gh, gw, gc)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], data[i])
		}
	}
}

func TestWavelet_HigherRatioIsSmaller(t *testing.T) {
	img := textured(64, 64, 1)
	data := img.quantize(0)
	fine, err := encodeWavelet(data, 64, 64, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	coarse, err := encodeWavelet(data, 64, 64, 1, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(coarse) >= len(fine) {
		t.Errorf("ratio 40 produced %d bytes, ratio 1 produced %d", len(coarse), len(fine))
	}
}

func TestWavelet_RejectsGarbage(t *testing.T) {
	if _, _, _, _, err := decodeWavelet([]byte("nope")); !errors.Is(err, errBadWavelet) {
		t.Errorf("expected errBadWavelet, got %v", err)
	}
}

func TestEncode_RoundTripWithinTolerance(t *testing.T) {
	dir := t.TempDir()
	img := gradient(96, 128, 1)

	res, err := Encode(img, dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(res.Layers) == 0 {
		t.Fatal("no layers written")
	}

	out, err := DecodeTo(dir, 0, img.H, img.W)
	if err != nil {
		t.Fatalf("DecodeTo: %v", err)
	}
	if d := meanAbsDiff(t, img, out); d > 0.1 {
		t.Errorf("mean absolute error %.4f exceeds tolerance", d)
	}
}

func TestEncode_TotalWithinBudget(t *testing.T) {
	img := textured(120, 160, 1)
	for _, budget := range []int{64, 512, 2048, 8192, DefaultBudget} {
		dir := t.TempDir()
		res, err := Encode(img, dir, Options{Budget: budget})
		if err != nil {
			t.Fatalf("budget %d: %v", budget, err)
		}
		if res.Budget > budget {
			t.Errorf("effective budget %d above requested %d", res.Budget, budget)
		}

		var onDisk int
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				t.Fatal(err)
			}
			onDisk += int(info.Size())
		}
		if onDisk != res.TotalBytes {
			t.Errorf("budget %d: %d bytes on disk, result reports %d", budget, onDisk, res.TotalBytes)
		}
		if onDisk > budget {
			t.Errorf("budget %d: wrote %d bytes", budget, onDisk)
		}
	}
}

func TestEncode_TotalMonotonicInBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("dense budget sweep")
	}
	img := textured(240, 320, 1)
	prevLayers, prevTotal := 0, 0
	for budget := 200; budget <= 20000; budget += 150 {
		res, err := Encode(img, t.TempDir(), Options{Budget: budget})
		if err != nil {
			t.Fatalf("budget %d: %v", budget, err)
		}
		if res.TotalBytes < prevTotal {
			t.Errorf("budget %d: total %d, smaller budget wrote %d", budget, res.TotalBytes, prevTotal)
		}
		if len(res.Layers) < prevLayers {
			t.Errorf("budget %d kept %d layers, smaller budget kept %d", budget, len(res.Layers), prevLayers)
		}
		if res.TotalBytes > res.Budget {
			t.Errorf("budget %d: total %d above effective budget %d", budget, res.TotalBytes, res.Budget)
		}
		prevLayers, prevTotal = len(res.Layers), res.TotalBytes
	}
}

func TestFitLayer_TakesSmallerLosslessFormat(t *testing.T) {
	layer := textured(60, 80, 1)
	data := layer.quantize(0)
	pngBytes, err := encodePNG(data, layer.H, layer.W, layer.C)
	if err != nil {
		t.Fatal(err)
	}
	jp2Bytes, err := encodeWavelet(data, layer.H, layer.W, layer.C, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := min(len(pngBytes), len(jp2Bytes))

	// Above and below the lossless floor the same encoding is chosen.
	for _, remaining := range []int{want, LosslessBudgetFloor - 1, LosslessBudgetFloor, 1 << 20} {
		if remaining < want {
			continue
		}
		payload, _, _, err := fitLayer(layer, 0, remaining)
		if err != nil {
			t.Fatalf("remaining %d: %v", remaining, err)
		}
		if len(payload) != want {
			t.Errorf("remaining %d: %d bytes, want lossless %d", remaining, len(payload), want)
		}
	}
}

func TestEncode_FormatsFollowLayerSize(t *testing.T) {
	dir := t.TempDir()
	res, err := Encode(textured(64, 64, 1), dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, l := range res.Layers {
		side := min(l.Height, l.Width)
		switch {
		case side < RawSideLimit && l.Format != FormatBin:
			t.Errorf("%s: %dpx side should be raw", l.Name, side)
		case side >= RawSideLimit && side < LosslessSideLimit && l.Format != FormatPNG:
			t.Errorf("%s: %dpx side should be png", l.Name, side)
		}
		if _, err := os.Stat(filepath.Join(dir, l.Name)); err != nil {
			t.Errorf("%s missing: %v", l.Name, err)
		}
	}
}

func TestEncode_BudgetTooSmall(t *testing.T) {
	dir := t.TempDir()
	_, err := Encode(gradient(64, 64, 1), dir, Options{Budget: 4})
	if !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no files, found %d", len(entries))
	}
}

func TestEncode_BudgetTooSmallRemovesPreview(t *testing.T) {
	dir := t.TempDir()
	_, err := Encode(gradient(64, 64, 1), dir, Options{Budget: 4, KeepPreview: true})
	if !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		t.Errorf("left behind %s", e.Name())
	}
}

func TestEncode_KeepPreview(t *testing.T) {
	dir := t.TempDir()
	res, err := Encode(textured(40, 40, 1), dir, Options{KeepPreview: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, PreviewName))
	if err != nil {
		t.Fatalf("preview missing: %v", err)
	}
	if int(info.Size()) != res.PreviewBytes {
		t.Errorf("preview size %d, result reports %d", info.Size(), res.PreviewBytes)
	}
	if res.Budget > res.PreviewBytes {
		t.Errorf("budget %d exceeds preview size %d", res.Budget, res.PreviewBytes)
	}
}

func TestDecode_EveryPrefixKeepsDimensions(t *testing.T) {
	dir := t.TempDir()
	img := textured(60, 90, 3)
	res, err := Encode(img, dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	full, err := Decode(dir, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for k := 1; k <= len(res.Layers); k++ {
		out, err := Decode(dir, k)
		if err != nil {
			t.Fatalf("prefix %d: %v", k, err)
		}
		if out.H != full.H || out.W != full.W || out.C != 3 {
			t.Errorf("prefix %d decoded to %dx%dx%d, full decode is %dx%d", k, out.H, out.W, out.C, full.H, full.W)
		}
	}
}

func TestDecode_PreviewGivesOriginalSize(t *testing.T) {
	dir := t.TempDir()
	img := textured(60, 90, 1)
	if _, err := Encode(img, dir, Options{Budget: DefaultBudget, KeepPreview: true}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Only the base layer reached the ground.
	refs, err := listLayers(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range refs[1:] {
		if err := os.Remove(ref.path); err != nil {
			t.Fatal(err)
		}
	}

	out, err := Decode(dir, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.H != img.H || out.W != img.W {
		t.Errorf("decoded to %dx%d, want %dx%d", out.H, out.W, img.H, img.W)
	}
}

func TestDecode_TruncatedLayerEndsSet(t *testing.T) {
	dir := t.TempDir()
	res, err := Encode(textured(64, 64, 1), dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n := len(res.Layers)
	if n < 3 {
		t.Fatalf("need at least 3 layers, got %d", n)
	}
	whole, err := Decode(dir, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	last := filepath.Join(dir, res.Layers[n-1].Name)
	data, err := os.ReadFile(last)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(last, data[:len(data)/2], 0o644); err != nil {
		t.Fatal(err)
	}

	layers, err := ReadLayers(dir, 0)
	if err != nil {
		t.Fatalf("ReadLayers: %v", err)
	}
	if len(layers) != n-1 {
		t.Errorf("read %d layers, want %d", len(layers), n-1)
	}
	out, err := Decode(dir, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.H != whole.H || out.W != whole.W {
		t.Errorf("decoded to %dx%d, want %dx%d", out.H, out.W, whole.H, whole.W)
	}
}

func TestDecode_TruncatedBaseFails(t *testing.T) {
	dir := t.TempDir()
	res, err := Encode(textured(64, 64, 1), dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, res.Layers[0].Name), []byte{1, 2}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLayers(dir, 0); err == nil {
		t.Error("expected an error for an unreadable base layer")
	}
}

func TestDecode_StopsAtGap(t *testing.T) {
	dir := t.TempDir()
	res, err := Encode(textured(64, 64, 1), dir, Options{Budget: DefaultBudget})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(res.Layers) < 3 {
		t.Fatalf("need at least 3 layers, got %d", len(res.Layers))
	}
	if err := os.Remove(filepath.Join(dir, res.Layers[2].Name)); err != nil {
		t.Fatal(err)
	}

	layers, err := ReadLayers(dir, 0)
	if err != nil {
		t.Fatalf("ReadLayers: %v", err)
	}
	if len(layers) != 2 {
		t.Errorf("read %d layers past a gap, want 2", len(layers))
	}
}

func TestDecode_EmptyDir(t *testing.T) {
	if _, err := Decode(t.TempDir(), 0); !errors.Is(err, ErrNoLayers) {
		t.Errorf("expected ErrNoLayers, got %v", err)
	}
}

func TestEncode_VGAFitsSixteenKiB(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size frame")
	}
	img := gradient(480, 640, 1)
	res, err := Encode(img, t.TempDir(), Options{Budget: 16 * 1024})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(res.Layers) < 1 {
		t.Fatal("expected at least the base layer")
	}
	if res.TotalBytes > 16*1024 {
		t.Errorf("total %d exceeds 16 KiB", res.TotalBytes)
	}
	if res.Layers[0].Format != FormatBin {
		t.Errorf("base layer format %s, want bin", res.Layers[0].Format)
	}
}

func TestFromImage_ToImage(t *testing.T) {
	img := textured(8, 8, 3)
	back := FromImage(img.ToImage(), false)
	if back.C != 3 {
		t.Fatalf("channels %d", back.C)
	}
	if d := meanAbsDiff(t, img, back); d > 1.0/255 {
		t.Errorf("8-bit round trip error %g", d)
	}
	if gray := FromImage(img.ToImage(), true); gray.C != 1 {
		t.Errorf("gray conversion kept %d channels", gray.C)
	}
}
