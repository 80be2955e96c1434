// Package transforms implements the image augmentation pipeline applied to
// every sample before it reaches the model: geometric transforms on
// image.Image values followed by conversion to a normalized CHW tensor.
//
// Random transforms draw from the *rand.Rand passed to Apply. A rand.Rand is
// not safe for concurrent use, so each loader worker owns its own.
package transforms

import (
	"image"
	"image/draw"
	"math"
	"math/rand"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Transform maps an image to another image.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) (image.Image, error)
}

// RandomResizedCrop crops a random region whose area is a Scale fraction of
// the input and whose aspect ratio lies in Ratio, then resizes it to
// Size x Size.
type RandomResizedCrop struct {
	Size  int
	Scale [2]float64
	Ratio [2]float64
}

// NewRandomResizedCrop uses the conventional 3/4..4/3 aspect range.
func NewRandomResizedCrop(size int, scaleMin, scaleMax float64) *RandomResizedCrop {
	return &RandomResizedCrop{
		Size:  size,
		Scale: [2]float64{scaleMin, scaleMax},
		Ratio: [2]float64{3.0 / 4.0, 4.0 / 3.0},
	}
}

func (t *RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	if t.Size <= 0 {
		return nil, errors.NewValidationError("RandomResizedCrop.Size", "must be > 0", t.Size)
	}
	crop := t.cropRect(img.Bounds(), rng)
	dst := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst, nil
}

// cropRect samples the crop window. After ten rejected draws it falls back
// to the largest centred window whose aspect ratio is clamped into Ratio.
func (t *RandomResizedCrop) cropRect(b image.Rectangle, rng *rand.Rand) image.Rectangle {
	width, height := b.Dx(), b.Dy()
	area := float64(width * height)
	logLo, logHi := math.Log(t.Ratio[0]), math.Log(t.Ratio[1])

	for attempt := 0; attempt < 10; attempt++ {
		target := area * uniform(rng, t.Scale[0], t.Scale[1])
		aspect := math.Exp(uniform(rng, logLo, logHi))

		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if w > 0 && h > 0 && w <= width && h <= height {
			top := rng.Intn(height - h + 1)
			left := rng.Intn(width - w + 1)
			return image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+w, b.Min.Y+top+h)
		}
	}

	inRatio := float64(width) / float64(height)
	w, h := width, height
	switch {
	case inRatio < t.Ratio[0]:
		h = int(math.Round(float64(w) / t.Ratio[0]))
	case inRatio > t.Ratio[1]:
		w = int(math.Round(float64(h) * t.Ratio[1]))
	}
	top := (height - h) / 2
	left := (width - w) / 2
	return image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+w, b.Min.Y+top+h)
}

// RandomRotation rotates by an angle drawn uniformly from
// [-Degrees, Degrees] around the image centre, keeping the input size.
// Uncovered corners are black. Sampling is nearest-neighbour.
type RandomRotation struct {
	Degrees float64
}

func (t *RandomRotation) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	angle := uniform(rng, -t.Degrees, t.Degrees)
	return Rotate(img, angle), nil
}

// Rotate rotates img counter-clockwise by angle degrees about its centre.
func Rotate(img image.Image, angle float64) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	rad := angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	scx := float64(b.Min.X) + float64(w)/2
	scy := float64(b.Min.Y) + float64(h)/2
	dcx, dcy := float64(w)/2, float64(h)/2

	// source -> destination affine map
	s2d := f64.Aff3{
		cos, sin, dcx - cos*scx - sin*scy,
		-sin, cos, dcy + sin*scx - cos*scy,
	}
	xdraw.NearestNeighbor.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}

// RandomHorizontalFlip mirrors the image left-right with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (t *RandomHorizontalFlip) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	if rng.Float64() >= t.P {
		return img, nil
	}
	return FlipHorizontal(img), nil
}

// FlipHorizontal returns a left-right mirrored copy of img.
func FlipHorizontal(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// Resize scales the image so that its shorter side equals Size, keeping
// the aspect ratio.
type Resize struct {
	Size int
}

func (t *Resize) Apply(img image.Image, _ *rand.Rand) (image.Image, error) {
	if t.Size <= 0 {
		return nil, errors.NewValidationError("Resize.Size", "must be > 0", t.Size)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, errors.NewValueError("Resize", "empty image")
	}
	var ow, oh int
	if w <= h {
		ow = t.Size
		oh = int(float64(t.Size) * float64(h) / float64(w))
	} else {
		oh = t.Size
		ow = int(float64(t.Size) * float64(w) / float64(h))
	}
	dst := image.NewRGBA(image.Rect(0, 0, ow, oh))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// CenterCrop cuts a Size x Size window from the centre. Inputs smaller than
// Size are zero-padded.
type CenterCrop struct {
	Size int
}

func (t *CenterCrop) Apply(img image.Image, _ *rand.Rand) (image.Image, error) {
	if t.Size <= 0 {
		return nil, errors.NewValidationError("CenterCrop.Size", "must be > 0", t.Size)
	}
	b := img.Bounds()
	top := int(math.Round(float64(b.Dy()-t.Size) / 2))
	left := int(math.Round(float64(b.Dx()-t.Size) / 2))

	dst := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	// dst origin corresponds to src point (left, top) relative to b.Min
	draw.Draw(dst, dst.Bounds(), img, image.Pt(b.Min.X+left, b.Min.Y+top), draw.Src)
	return dst, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
