package training

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.Update([]int64{0, 1, 2, 2, 1}, []int64{0, 1, 1, 2, 0}))

	assert.Equal(t, 5, cm.TotalSamples)
	assert.Equal(t, 1, cm.Matrix[1][2])
	assert.InDelta(t, 0.6, cm.GetAccuracy(), 1e-12)
	assert.InDelta(t, 0.6, cm.GetMetric(MicroF1), 1e-12)

	s := cm.Scores(1)
	assert.Equal(t, ClassScores{TP: 1, FP: 1, FN: 1}, s)
	assert.InDelta(t, 0.5, s.F1(), 1e-12)

	// per class F1: class 0 = 2/3, class 1 = 1/2, class 2 = 2/3
	assert.InDelta(t, (2.0/3+0.5+2.0/3)/3, cm.GetMetric(MacroF1), 1e-12)

	cm.Reset()
	assert.Equal(t, 0, cm.TotalSamples)
	assert.Equal(t, 0.0, cm.GetAccuracy())
}

func TestConfusionMatrixMacroSkipsAbsentClasses(t *testing.T) {
	cm := NewConfusionMatrix(4)
	require.NoError(t, cm.Update([]int64{0, 0, 1}, []int64{0, 1, 1}))

	// classes 2 and 3 appear nowhere and do not drag the mean down
	assert.InDelta(t, 2.0/3, cm.GetMetric(MacroF1), 1e-12)
	assert.InDelta(t, 0.75, cm.GetMetric(MacroPrecision), 1e-12)
	assert.InDelta(t, 0.75, cm.GetMetric(MacroRecall), 1e-12)
}

func TestConfusionMatrixErrors(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Error(t, cm.Update([]int64{0}, []int64{0, 1}))

	err := cm.Update([]int64{2}, []int64{0})
	assert.True(t, errors.Is(err, ErrLabelOutOfRange))
	assert.Equal(t, 0, cm.TotalSamples)
}

func TestMetricTypeString(t *testing.T) {
	assert.Equal(t, "MacroF1", MacroF1.String())
	assert.Equal(t, "Unknown(42)", MetricType(42).String())
}
