package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wideConv(t *testing.T) *Model {
	t.Helper()
	spec, err := NewModelBuilder([]int{1, 16, 8, 8}).
		AddConv2D(64, 3, 1, 1, true, "conv").
		AddReLU("relu").
		AddDense(4, true, "fc").
		Compile()
	require.NoError(t, err)
	m, err := NewModel(spec, newRand(3))
	require.NoError(t, err)
	return m
}

func TestKaimingGain(t *testing.T) {
	assert.InDelta(t, math.Sqrt2, KaimingGain(0), 1e-12)
	assert.InDelta(t, 1.0, KaimingGain(1), 1e-12)
}

func TestReinitConvLayersNormal(t *testing.T) {
	m := wideConv(t)
	fcBefore := append([]float32(nil), m.Param("fc.weight").Data...)
	biasBefore := append([]float32(nil), m.Param("conv.bias").Data...)

	require.NoError(t, ReinitConvLayers(m, 0, true, newRand(4)))

	// fan in 16*3*3 = 144
	s := m.Param("conv.weight").Stats()
	assert.InDelta(t, math.Sqrt2/12, s.Std, 0.01)
	assert.InDelta(t, 0, s.Mean, 0.01)

	assert.Equal(t, fcBefore, m.Param("fc.weight").Data, "dense layers are untouched")
	assert.Equal(t, biasBefore, m.Param("conv.bias").Data, "normal init keeps the bias")
}

func TestReinitConvLayersUniform(t *testing.T) {
	m := wideConv(t)
	leak := 0.1
	require.NoError(t, ReinitConvLayers(m, leak, false, newRand(5)))

	bound := KaimingGain(leak) * math.Sqrt(3.0/144)
	s := m.Param("conv.weight").Stats()
	assert.LessOrEqual(t, s.Max, bound+1e-6)
	assert.GreaterOrEqual(t, s.Min, -bound-1e-6)
	// uniform std is bound/sqrt(3)
	assert.InDelta(t, bound/math.Sqrt(3), s.Std, 0.01)

	bias := m.Param("conv.bias").Stats()
	assert.Equal(t, 0.0, bias.Min)
	assert.Equal(t, 0.0, bias.Max)
}

func TestReinitConvLayersReproducible(t *testing.T) {
	a, b := wideConv(t), wideConv(t)
	require.NoError(t, ReinitConvLayers(a, 0, true, newRand(9)))
	require.NoError(t, ReinitConvLayers(b, 0, true, newRand(9)))
	assert.Equal(t, a.Param("conv.weight").Data, b.Param("conv.weight").Data)
}

func TestReinitConvLayersErrors(t *testing.T) {
	assert.Error(t, ReinitConvLayers(nil, 0, true, nil))
	assert.Error(t, ReinitConvLayers(wideConv(t), -1, true, nil))
}
