package transforms

import (
	"image"
	"math/rand"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// ImageNet channel statistics used by pretrained backbones.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Pipeline applies image transforms in order and then converts the result
// to a normalized float tensor in CHW layout.
type Pipeline struct {
	transforms []Transform
	mean       [3]float64
	std        [3]float64
	normalize  bool
}

// Compose builds a pipeline that converts to a [0, 1] tensor without
// normalization. Call Normalize to add per-channel standardization.
func Compose(ts ...Transform) *Pipeline {
	return &Pipeline{transforms: ts}
}

// Normalize sets per-channel (x - mean) / std applied after ToTensor.
func (p *Pipeline) Normalize(mean, std [3]float64) *Pipeline {
	p.mean = mean
	p.std = std
	p.normalize = true
	return p
}

// Transforms returns the image stages of the pipeline.
func (p *Pipeline) Transforms() []Transform {
	return append([]Transform(nil), p.transforms...)
}

// Apply runs every stage on img and returns the CHW tensor along with its
// spatial size.
func (p *Pipeline) Apply(img image.Image, rng *rand.Rand) ([]float64, image.Point, error) {
	var err error
	for _, t := range p.transforms {
		img, err = t.Apply(img, rng)
		if err != nil {
			return nil, image.Point{}, err
		}
	}
	tensor := ToTensor(img)
	if p.normalize {
		if err := NormalizeTensor(tensor, p.mean, p.std); err != nil {
			return nil, image.Point{}, err
		}
	}
	return tensor, img.Bounds().Size(), nil
}

// ToTensor converts img to a CHW slice of RGB values scaled to [0, 1].
// Alpha is ignored.
func ToTensor(img image.Image) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float64, 3*plane)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[(y+b.Min.Y-rgba.Rect.Min.Y)*rgba.Stride:]
			for x := 0; x < w; x++ {
				off := (x + b.Min.X - rgba.Rect.Min.X) * 4
				idx := y*w + x
				out[idx] = float64(row[off]) / 255
				out[plane+idx] = float64(row[off+1]) / 255
				out[2*plane+idx] = float64(row[off+2]) / 255
			}
		}
		return out
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*w + x
			out[idx] = float64(r) / 65535
			out[plane+idx] = float64(g) / 65535
			out[2*plane+idx] = float64(bl) / 65535
		}
	}
	return out
}

// NormalizeTensor standardizes a CHW tensor in place.
func NormalizeTensor(t []float64, mean, std [3]float64) error {
	if len(t)%3 != 0 {
		return errors.NewDimensionError("NormalizeTensor", 0, len(t)%3, 1)
	}
	for c := 0; c < 3; c++ {
		if std[c] == 0 {
			return errors.NewValidationError("std", "must be non-zero", std)
		}
	}
	plane := len(t) / 3
	for c := 0; c < 3; c++ {
		m, s := mean[c], std[c]
		ch := t[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - m) / s
		}
	}
	return nil
}

// TrainPipeline is the augmentation used for training samples:
// random resized crop to resize x resize (scale 0.8-1.0), random rotation
// of up to 15 degrees, random horizontal flip, centre crop to crop x crop,
// ImageNet normalization.
func TrainPipeline(resize, crop int) *Pipeline {
	return Compose(
		NewRandomResizedCrop(resize, 0.8, 1.0),
		&RandomRotation{Degrees: 15},
		&RandomHorizontalFlip{P: 0.5},
		&CenterCrop{Size: crop},
	).Normalize(ImageNetMean, ImageNetStd)
}

// ValidPipeline is the deterministic preprocessing used for validation:
// resize the shorter side to resize, centre crop to crop x crop, ImageNet
// normalization.
func ValidPipeline(resize, crop int) *Pipeline {
	return Compose(
		&Resize{Size: resize},
		&CenterCrop{Size: crop},
	).Normalize(ImageNetMean, ImageNetStd)
}
