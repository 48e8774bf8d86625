package layers

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Parameter is one named weight tensor stored flat in row-major order.
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float32
	RequiresGrad bool
}

// Size is the number of elements.
func (p *Parameter) Size() int {
	return shapeSize(p.Shape)
}

// Model is a compiled spec with its parameter values, in layer order.
type Model struct {
	Spec   *ModelSpec
	Params []*Parameter
}

// NewModel allocates the parameters of a compiled spec and initialises
// them the way a freshly constructed network is: weights and biases of
// dense and convolution layers uniform in +/- 1/sqrt(fan_in), batch norm
// scale 1 and shift 0. All parameters are trainable.
func NewModel(spec *ModelSpec, rng *rand.Rand) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	m := &Model{Spec: spec}
	for _, layer := range spec.Layers {
		for i, shape := range layer.ParameterShapes {
			p := &Parameter{
				Name:         layer.ParameterNames[i],
				Shape:        append([]int(nil), shape...),
				Data:         make([]float32, shapeSize(shape)),
				RequiresGrad: true,
			}
			m.Params = append(m.Params, p)
		}

		switch layer.Type {
		case Dense, Conv2D:
			bound := 1 / math.Sqrt(float64(fanIn(layer)))
			for _, p := range m.layerParams(layer) {
				fillUniform(p.Data, bound, rng)
			}
		case BatchNorm:
			if ps := m.layerParams(layer); len(ps) == 2 {
				fill(ps[0].Data, 1)
			}
		}
	}
	return m, nil
}

func (m *Model) layerParams(layer LayerSpec) []*Parameter {
	out := make([]*Parameter, 0, len(layer.ParameterNames))
	for _, name := range layer.ParameterNames {
		if p := m.Param(name); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Param returns the parameter with the given name, or nil.
func (m *Model) Param(name string) *Parameter {
	for _, p := range m.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// SetRequiresGrad marks every parameter whose name starts with prefix as
// trainable or frozen and returns how many matched. An empty prefix
// matches all.
func (m *Model) SetRequiresGrad(prefix string, requiresGrad bool) int {
	n := 0
	for _, p := range m.Params {
		if strings.HasPrefix(p.Name, prefix) {
			p.RequiresGrad = requiresGrad
			n++
		}
	}
	return n
}

// Trainable returns the parameters that require gradients.
func (m *Model) Trainable() []*Parameter {
	var out []*Parameter
	for _, p := range m.Params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}

// PrintParameters lists the parameters to be learned.
func PrintParameters(w io.Writer, m *Model) error {
	if _, err := fmt.Fprintln(w, "Parameters to learn:"); err != nil {
		return err
	}
	for _, p := range m.Trainable() {
		if _, err := fmt.Fprintln(w, "\t", p.Name); err != nil {
			return err
		}
	}
	return nil
}

// ParameterStats summarises the values of one parameter.
type ParameterStats struct {
	Mean, Std, Min, Max float64
}

// Stats computes the summary of a parameter's values.
func (p *Parameter) Stats() ParameterStats {
	if len(p.Data) == 0 {
		return ParameterStats{}
	}
	xs := make([]float64, len(p.Data))
	s := ParameterStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for i, v := range p.Data {
		xs[i] = float64(v)
		s.Min = math.Min(s.Min, xs[i])
		s.Max = math.Max(s.Max, xs[i])
	}
	s.Mean, s.Std = stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		s.Std = 0
	}
	return s
}

// fanIn is the number of inputs feeding one output unit.
func fanIn(layer LayerSpec) int {
	if len(layer.ParameterShapes) == 0 {
		return 0
	}
	return shapeSize(layer.ParameterShapes[0][1:])
}

func fillUniform(data []float32, bound float64, rng *rand.Rand) {
	d := distuv.Uniform{Min: -bound, Max: bound, Src: rng}
	for i := range data {
		data[i] = float32(d.Rand())
	}
}

func fillNormal(data []float32, std float64, rng *rand.Rand) {
	d := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	for i := range data {
		data[i] = float32(d.Rand())
	}
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}
