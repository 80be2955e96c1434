// Package datasettest builds small on-disk image-folder trees for tests.
package datasettest

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteTree writes counts[class] PNG images of size w x h under
// root/<class>/. Each class gets a distinct dominant colour so that a
// classifier can separate them. The class order used for colouring is the
// sorted class order.
func WriteTree(t testing.TB, root string, counts map[string]int, w, h int) {
	t.Helper()

	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	for ci, class := range classes {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		for i := 0; i < counts[class]; i++ {
			img := image.NewRGBA(image.Rect(0, 0, w, h))
			base := ClassColor(ci)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					jitter := uint8((x*7 + y*3 + i*11) % 16)
					img.Set(x, y, color.RGBA{
						R: sat(base.R, jitter),
						G: sat(base.G, jitter),
						B: sat(base.B, jitter),
						A: 255,
					})
				}
			}
			WritePNG(t, filepath.Join(dir, fmt.Sprintf("img_%03d.png", i)), img)
		}
	}
}

// WriteSplits writes <root>/train and <root>/valid trees.
func WriteSplits(t testing.TB, root string, train, valid map[string]int, w, h int) {
	t.Helper()
	WriteTree(t, filepath.Join(root, "train"), train, w, h)
	WriteTree(t, filepath.Join(root, "valid"), valid, w, h)
}

// WritePNG encodes img to path.
func WritePNG(t testing.TB, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// ClassColor returns the dominant colour used for the i-th class.
func ClassColor(i int) color.RGBA {
	palette := []color.RGBA{
		{R: 220, G: 30, B: 30, A: 255},
		{R: 30, G: 200, B: 40, A: 255},
		{R: 40, G: 50, B: 210, A: 255},
		{R: 230, G: 220, B: 40, A: 255},
		{R: 200, G: 40, B: 200, A: 255},
	}
	return palette[i%len(palette)]
}

func sat(v, d uint8) uint8 {
	if int(v)+int(d) > 255 {
		return 255
	}
	return v + d
}
