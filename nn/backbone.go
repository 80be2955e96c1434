package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/core/model"
	"github.com/YuminosukeSato/finetune/core/parallel"
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// BackboneKind identifies the pooled projection feature extractor in
// checkpoints and logs.
const BackboneKind = "pooled-projection"

// DefaultFeatures matches the width of the ResNet-50 pooled feature vector.
const DefaultFeatures = 2048

// BackboneConfig describes the input geometry and projection size of a
// Backbone.
type BackboneConfig struct {
	Channels  int
	ImageSize int
	Grid      int
	Features  int
	Seed      int64
}

// Backbone is the frozen feature extractor placed in front of the
// trainable head. Each channel of a CHW input row is average pooled onto a
// Grid x Grid lattice, then projected to Features outputs through a fixed
// linear map followed by ReLU.
//
// Its parameters are always frozen and Backward does not propagate past it.
type Backbone struct {
	cfg  BackboneConfig
	proj *Param
	bias *Param
}

// NewBackbone creates a backbone with He-normal projection weights drawn
// from cfg.Seed.
func NewBackbone(cfg BackboneConfig) (*Backbone, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	in := cfg.Channels * cfg.Grid * cfg.Grid
	rng := rand.New(rand.NewSource(cfg.Seed))
	std := math.Sqrt(2 / float64(in))
	w := make([]float64, in*cfg.Features)
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
	return newBackbone(cfg, w, make([]float64, cfg.Features)), nil
}

func newBackbone(cfg BackboneConfig, w, b []float64) *Backbone {
	in := cfg.Channels * cfg.Grid * cfg.Grid
	bb := &Backbone{
		cfg:  cfg,
		proj: newParam("backbone.proj", in, cfg.Features, w),
		bias: newParam("backbone.bias", 1, cfg.Features, b),
	}
	Freeze(bb.Params())
	return bb
}

func (c BackboneConfig) validate() error {
	switch {
	case c.Channels <= 0:
		return errors.NewValidationError("backbone.channels", "must be positive", c.Channels)
	case c.ImageSize <= 0:
		return errors.NewValidationError("backbone.image_size", "must be positive", c.ImageSize)
	case c.Grid <= 0 || c.Grid > c.ImageSize:
		return errors.NewValidationError("backbone.grid", "must be in [1, image_size]", c.Grid)
	case c.Features <= 0:
		return errors.NewValidationError("backbone.features", "must be positive", c.Features)
	}
	return nil
}

// Name returns BackboneKind.
func (b *Backbone) Name() string { return BackboneKind }

// Config returns the backbone geometry.
func (b *Backbone) Config() BackboneConfig { return b.cfg }

// InFeatures is the width of an input row.
func (b *Backbone) InFeatures() int {
	return b.cfg.Channels * b.cfg.ImageSize * b.cfg.ImageSize
}

// OutFeatures is the width of the extracted feature vector.
func (b *Backbone) OutFeatures() int { return b.cfg.Features }

func (b *Backbone) Params() []*Param { return []*Param{b.proj, b.bias} }

// Forward extracts features. Nothing is recorded on the pass.
func (b *Backbone) Forward(_ *Pass, x *mat.Dense) (*mat.Dense, error) {
	pooled, err := b.pool(x)
	if err != nil {
		return nil, err
	}
	rows, _ := pooled.Dims()
	y := mat.NewDense(rows, b.cfg.Features, nil)
	y.Mul(pooled, b.proj.Value)
	bias := b.bias.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] = math.Max(0, row[j]+bias[j])
		}
	}
	return y, nil
}

// Backward returns nil: the backbone is frozen and is always the first
// stage, so no gradient is needed for its input.
func (b *Backbone) Backward(_ *Pass, _ *mat.Dense) (*mat.Dense, error) {
	return nil, nil
}

// poolParallelRows is the batch size from which pooling is split across
// CPU cores.
const poolParallelRows = 32

// pool applies adaptive average pooling to every channel of every row.
// Cell i along an axis covers [floor(i*S/G), ceil((i+1)*S/G)).
func (b *Backbone) pool(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != b.InFeatures() {
		return nil, errors.NewDimensionError("Backbone.Forward", b.InFeatures(), cols, 1)
	}
	c, g := b.cfg.Channels, b.cfg.Grid
	out := mat.NewDense(rows, c*g*g, nil)
	if rows < poolParallelRows {
		b.poolRows(x, out, 0, rows)
		return out, nil
	}
	// 行ごとに出力先が独立しているので分割してよい
	parallel.Parallelize(rows, func(start, end int) {
		b.poolRows(x, out, start, end)
	})
	return out, nil
}

func (b *Backbone) poolRows(x, out *mat.Dense, start, end int) {
	c, s, g := b.cfg.Channels, b.cfg.ImageSize, b.cfg.Grid
	plane := s * s
	for r := start; r < end; r++ {
		in := x.RawRowView(r)
		dst := out.RawRowView(r)
		for ch := 0; ch < c; ch++ {
			src := in[ch*plane : (ch+1)*plane]
			for gy := 0; gy < g; gy++ {
				y0, y1 := gy*s/g, ((gy+1)*s+g-1)/g
				for gx := 0; gx < g; gx++ {
					x0, x1 := gx*s/g, ((gx+1)*s+g-1)/g
					var sum float64
					for yy := y0; yy < y1; yy++ {
						for _, v := range src[yy*s+x0 : yy*s+x1] {
							sum += v
						}
					}
					dst[ch*g*g+gy*g+gx] = sum / float64((y1-y0)*(x1-x0))
				}
			}
		}
	}
}

// BackboneState is the serialized form of a Backbone.
type BackboneState struct {
	Kind   string
	Config BackboneConfig
	Weight []float64
	Bias   []float64
}

// State snapshots the backbone weights.
func (b *Backbone) State() BackboneState {
	return BackboneState{
		Kind:   BackboneKind,
		Config: b.cfg,
		Weight: append([]float64(nil), b.proj.Value.RawMatrix().Data...),
		Bias:   append([]float64(nil), b.bias.Value.RawMatrix().Data...),
	}
}

// BackboneFromState rebuilds a frozen Backbone from its serialized form.
func BackboneFromState(s BackboneState) (*Backbone, error) {
	if s.Kind != BackboneKind {
		return nil, errors.NewValueError("BackboneFromState", "unknown backbone kind "+s.Kind)
	}
	if err := s.Config.validate(); err != nil {
		return nil, err
	}
	in := s.Config.Channels * s.Config.Grid * s.Config.Grid
	if len(s.Weight) != in*s.Config.Features {
		return nil, errors.NewDimensionError("BackboneFromState", in*s.Config.Features, len(s.Weight), 0)
	}
	if len(s.Bias) != s.Config.Features {
		return nil, errors.NewDimensionError("BackboneFromState", s.Config.Features, len(s.Bias), 0)
	}
	return newBackbone(s.Config, append([]float64(nil), s.Weight...), append([]float64(nil), s.Bias...)), nil
}

// SaveBackbone writes pretrained backbone weights to path.
func SaveBackbone(b *Backbone, path string) error {
	return model.SaveModel(b.State(), path)
}

// LoadBackbone reads backbone weights written by SaveBackbone. The stored
// geometry must match imageSize.
func LoadBackbone(path string, imageSize int) (*Backbone, error) {
	var s BackboneState
	if err := model.LoadModel(&s, path); err != nil {
		return nil, err
	}
	if s.Config.ImageSize != imageSize {
		return nil, errors.NewDimensionError("LoadBackbone", imageSize, s.Config.ImageSize, 0)
	}
	return BackboneFromState(s)
}
