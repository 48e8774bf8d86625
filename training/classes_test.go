package training

import (
	"bytes"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves fixed label batches.
type fakeSource struct {
	batches [][]int64
	pos     int
	resets  int
	err     error
}

func (f *fakeSource) Reset() {
	f.pos = 0
	f.resets++
}

func (f *fakeSource) Len() int { return len(f.batches) }

func (f *fakeSource) NextLabels() ([]int64, error) {
	if f.err != nil && f.pos == 1 {
		return nil, f.err
	}
	if f.pos >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.pos]
	f.pos++
	return b, nil
}

func TestCountClasses(t *testing.T) {
	src := &fakeSource{batches: [][]int64{{0, 1, 1}, {3, 3, 3}, {1}}}

	counts, err := CountClasses(src, 4)
	require.NoError(t, err)
	assert.Equal(t, ClassCounts{1, 3, 0, 3}, counts)
	assert.Equal(t, 7.0, counts.Total())
	assert.Equal(t, 1, src.resets, "counting starts a fresh pass")

	t.Run("EmptySource", func(t *testing.T) {
		counts, err := CountClasses(&fakeSource{}, 3)
		require.NoError(t, err)
		assert.Equal(t, ClassCounts{0, 0, 0}, counts)
	})

	t.Run("LabelOutOfRange", func(t *testing.T) {
		_, err := CountClasses(&fakeSource{batches: [][]int64{{0, 4}}}, 4)
		assert.True(t, errors.Is(err, ErrLabelOutOfRange))

		_, err = CountClasses(&fakeSource{batches: [][]int64{{-1}}}, 4)
		assert.True(t, errors.Is(err, ErrLabelOutOfRange))
	})

	t.Run("SourceError", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := CountClasses(&fakeSource{batches: [][]int64{{0}, {1}}, err: boom}, 2)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("NonPositiveClasses", func(t *testing.T) {
		_, err := CountClasses(&fakeSource{}, 0)
		assert.Error(t, err)
	})
}

func TestCounterProgress(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSource{batches: [][]int64{{0}, {1}, {1}}}

	counts, err := Counter{Progress: &buf}.Count(src, 2)
	require.NoError(t, err)
	assert.Equal(t, ClassCounts{1, 2}, counts)
	assert.Contains(t, buf.String(), "Counting class frequency")
}

func TestClassWeights(t *testing.T) {
	t.Run("InverseFrequency", func(t *testing.T) {
		w, err := ClassWeights(ClassCounts{1, 2, 4})
		require.NoError(t, err)
		// 1/1 : 1/2 : 1/4 normalised by 1.75
		assert.InDeltaSlice(t, []float64{4.0 / 7, 2.0 / 7, 1.0 / 7}, w, 1e-12)
	})

	t.Run("SumsToOne", func(t *testing.T) {
		for _, counts := range []ClassCounts{
			{5000, 3000, 1500, 500},
			{1, 1, 1, 1},
			{7},
			{123456, 3, 77, 9999},
		} {
			w, err := ClassWeights(counts)
			require.NoError(t, err)
			sum := 0.0
			for _, v := range w {
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "counts %v", counts)
		}
	})

	t.Run("ZeroCount", func(t *testing.T) {
		w, err := ClassWeights(ClassCounts{2, 3, 0, 5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrZeroClassCount))
		assert.Contains(t, err.Error(), "class 2")
		require.Len(t, w, 4)
		assert.True(t, math.IsInf(w[2], 1))
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ClassWeights(nil)
		assert.Error(t, err)
		_, err = ClassWeights(ClassCounts{1, -1})
		assert.Error(t, err)
	})
}

func TestClassWeightsOrZero(t *testing.T) {
	w, err := ClassWeightsOrZero(ClassCounts{2, 3, 0, 6})
	require.NoError(t, err)
	assert.Equal(t, 0.0, w[2])
	// 1/2 : 1/3 : 1/6 normalised by 1
	assert.InDeltaSlice(t, []float64{0.5, 1.0 / 3, 0, 1.0 / 6}, w, 1e-12)

	_, err = ClassWeightsOrZero(ClassCounts{0, 0})
	assert.True(t, errors.Is(err, ErrZeroClassCount))
}
