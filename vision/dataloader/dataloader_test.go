package dataloader

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larworkshop/nuvision/vision/preprocessing"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	paths     []string
	labels    []int
	transform preprocessing.Transform
}

func (md *MockDataset) Len() int {
	return len(md.paths)
}

func (md *MockDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(md.paths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(md.paths))
	}
	return md.paths[index], md.labels[index], nil
}

func (md *MockDataset) Transform() preprocessing.Transform {
	return md.transform
}

// newMockDataset writes numItems PNG images with labels cycling over 4
// classes. Image i is i+1 pixels wide so tests can recover the index.
func newMockDataset(t *testing.T, numItems int) *MockDataset {
	t.Helper()
	dir := t.TempDir()
	md := &MockDataset{}
	for i := 0; i < numItems; i++ {
		path := filepath.Join(dir, fmt.Sprintf("image_%d.png", i))
		img := image.NewRGBA(image.Rect(0, 0, i+1, 2))
		img.SetRGBA(0, 0, color.RGBA{R: uint8(i), A: 255})

		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())

		md.paths = append(md.paths, path)
		md.labels = append(md.labels, i%4)
	}
	return md
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 99))
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := dl.NextBatch()
		require.NoError(t, err)
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func TestNewDataLoader(t *testing.T) {
	ds := newMockDataset(t, 10)

	t.Run("Defaults", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 4})
		assert.Equal(t, 4, dl.BatchSize())
		assert.Equal(t, 3, dl.Len())
		assert.Equal(t, 10, dl.DatasetLen())
		assert.Nil(t, dl.GetCacheManager())
		assert.Equal(t, "", dl.Stats())
	})

	t.Run("InvalidBatchSize", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 0})
		assert.Equal(t, 1, dl.BatchSize())
		assert.Equal(t, 10, dl.Len())
	})

	t.Run("DropLastLen", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 4, DropLast: true})
		assert.Equal(t, 2, dl.Len())
	})

	t.Run("OwnedCache", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 4, MaxCacheSize: 3})
		require.NotNil(t, dl.GetCacheManager())
		assert.True(t, dl.ownedCache)
	})
}

func TestDataLoaderBatches(t *testing.T) {
	ds := newMockDataset(t, 10)

	t.Run("OrderedKeepsPartialBatch", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 4})
		batches := drain(t, dl)
		require.Len(t, batches, 3)
		assert.Equal(t, 4, batches[0].Len())
		assert.Equal(t, 2, batches[2].Len())

		var paths []string
		for _, b := range batches {
			paths = append(paths, b.Paths...)
			for i, item := range b.Items {
				assert.Equal(t, b.Labels[i], item.Label)
				require.NotNil(t, item.Image)
			}
		}
		assert.Equal(t, ds.paths, paths)
	})

	t.Run("DropLast", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 4, DropLast: true})
		batches := drain(t, dl)
		require.Len(t, batches, 2)
		for _, b := range batches {
			assert.Equal(t, 4, b.Len())
		}
	})

	t.Run("ShuffleCoversEverySampleOnce", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 3, Shuffle: true, Rand: newRand(1)})

		var paths []string
		for _, b := range drain(t, dl) {
			paths = append(paths, b.Paths...)
		}
		assert.NotEqual(t, ds.paths, paths)

		sort.Strings(paths)
		want := append([]string(nil), ds.paths...)
		sort.Strings(want)
		assert.Equal(t, want, paths)
	})

	t.Run("ResetReshuffles", func(t *testing.T) {
		dl := NewDataLoader(ds, Config{BatchSize: 10, Shuffle: true, Rand: newRand(2)})
		first := drain(t, dl)[0].Paths
		dl.Reset()
		second := drain(t, dl)[0].Paths
		assert.NotEqual(t, first, second)
	})

	t.Run("WorkersMatchSynchronous", func(t *testing.T) {
		sync := drain(t, NewDataLoader(ds, Config{BatchSize: 4, Shuffle: true, Rand: newRand(3)}))
		par := drain(t, NewDataLoader(ds, Config{BatchSize: 4, Shuffle: true, Rand: newRand(3), NumWorkers: 3}))

		require.Len(t, par, len(sync))
		for i := range sync {
			assert.Equal(t, sync[i].Paths, par[i].Paths)
			assert.Equal(t, sync[i].Labels, par[i].Labels)
		}
	})

	t.Run("EmptyDataset", func(t *testing.T) {
		dl := NewDataLoader(&MockDataset{}, Config{BatchSize: 4})
		assert.Equal(t, 0, dl.Len())
		b, err := dl.NextBatch()
		assert.NoError(t, err)
		assert.Nil(t, b)
	})
}

func TestDataLoaderDecodeFailureAbortsBatch(t *testing.T) {
	ds := newMockDataset(t, 4)
	require.NoError(t, os.WriteFile(ds.paths[2], []byte("mock image content"), 0644))

	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dl := NewDataLoader(ds, Config{BatchSize: 2, NumWorkers: workers})

			b, err := dl.NextBatch()
			require.NoError(t, err)
			require.NotNil(t, b)

			b, err = dl.NextBatch()
			assert.Nil(t, b)
			assert.True(t, errors.Is(err, preprocessing.ErrDecode))

			current, total := dl.Progress()
			assert.Equal(t, 4, current)
			assert.Equal(t, 4, total)
		})
	}
}

func TestDataLoaderNextLabels(t *testing.T) {
	ds := newMockDataset(t, 7)
	// labels must come from the index alone, even for unreadable files
	require.NoError(t, os.Remove(ds.paths[0]))

	dl := NewDataLoader(ds, Config{BatchSize: 3})
	var labels []int64
	for {
		l, err := dl.NextLabels()
		require.NoError(t, err)
		if l == nil {
			break
		}
		labels = append(labels, l...)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 0, 1, 2}, labels)
}

func TestDataLoaderTransformAndStack(t *testing.T) {
	ds := newMockDataset(t, 5)
	pipeline, err := preprocessing.Compose(preprocessing.Resize(4, 4), preprocessing.ToTensor())
	require.NoError(t, err)
	ds.transform = pipeline

	dl := NewDataLoader(ds, Config{BatchSize: 5})
	b, err := dl.NextBatch()
	require.NoError(t, err)

	data, labels, shape, err := b.Stack()
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3, 4, 4}, shape)
	assert.Len(t, data, 5*3*4*4)
	assert.Equal(t, []int32{0, 1, 2, 3, 0}, labels)
}

func TestBatchStackErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		_, _, _, err := (&Batch{}).Stack()
		assert.Error(t, err)
	})

	t.Run("Untransformed", func(t *testing.T) {
		dl := NewDataLoader(newMockDataset(t, 2), Config{BatchSize: 2})
		b, err := dl.NextBatch()
		require.NoError(t, err)
		_, _, _, err = b.Stack()
		assert.Error(t, err)
	})

	t.Run("MixedShapes", func(t *testing.T) {
		ds := newMockDataset(t, 3)
		pipeline, err := preprocessing.Compose(preprocessing.ToTensor())
		require.NoError(t, err)
		ds.transform = pipeline

		b, err := NewDataLoader(ds, Config{BatchSize: 3}).NextBatch()
		require.NoError(t, err)
		_, _, _, err = b.Stack()
		assert.Error(t, err)
	})
}

func TestDataLoaderCache(t *testing.T) {
	ds := newMockDataset(t, 4)
	dl := NewDataLoader(ds, Config{BatchSize: 2, MaxCacheSize: 10})

	drain(t, dl)
	dl.Reset()
	drain(t, dl)

	stats := dl.GetCacheManager().Stats()
	assert.Equal(t, int64(4), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
	assert.Contains(t, dl.Stats(), "Hits: 4")

	dl.ClearCache()
	assert.Equal(t, 0, dl.GetCacheManager().Len())
}
