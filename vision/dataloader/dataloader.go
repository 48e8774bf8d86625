package dataloader

import (
	"image"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/larworkshop/nuvision/metrics"
	"github.com/larworkshop/nuvision/vision/dataset"
	"github.com/larworkshop/nuvision/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	Transform() preprocessing.Transform
}

// Config holds configuration for DataLoader
type Config struct {
	Name       string // used in metrics and logs
	BatchSize  int
	Shuffle    bool
	DropLast   bool // drop the trailing partial batch
	NumWorkers int  // 0 loads synchronously

	// MaxCacheSize bounds the decoded image cache. Zero disables caching
	// unless CacheManager is set.
	MaxCacheSize int
	CacheManager *CacheManager

	// Rand drives shuffling. Nil uses a randomly seeded generator.
	Rand *rand.Rand
}

// Batch is an ordered group of loaded samples.
type Batch struct {
	Items  []*dataset.Item
	Labels []int64
	Paths  []string
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Labels)
}

// Stack concatenates the transformed tensors of the batch into one NCHW
// buffer. Every item must carry a tensor of the same shape.
func (b *Batch) Stack() (data []float32, labels []int32, shape []int, err error) {
	if len(b.Items) == 0 {
		return nil, nil, nil, errors.New("empty batch")
	}

	first := b.Items[0].Tensor
	if first == nil {
		return nil, nil, nil, errors.Errorf("item %s has no tensor, configure a transform", b.Items[0].Path)
	}
	per := len(first.Data)
	data = make([]float32, 0, per*len(b.Items))
	labels = make([]int32, len(b.Items))

	for i, item := range b.Items {
		t := item.Tensor
		if t == nil {
			return nil, nil, nil, errors.Errorf("item %s has no tensor, configure a transform", item.Path)
		}
		if t.Channels != first.Channels || t.Height != first.Height || t.Width != first.Width {
			return nil, nil, nil, errors.Errorf("item %s is %dx%dx%d, batch is %dx%dx%d",
				item.Path, t.Channels, t.Height, t.Width, first.Channels, first.Height, first.Width)
		}
		data = append(data, t.Data...)
		labels[i] = int32(item.Label)
	}

	return data, labels, []int{len(b.Items), first.Channels, first.Height, first.Width}, nil
}

// DataLoader yields batches over a dataset, one pass at a time.
type DataLoader struct {
	dataset    Dataset
	name       string
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	mu         sync.Mutex

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager
	ownedCache   bool
}

// NewDataLoader creates a new data loader. A batch size below one is
// treated as one.
func NewDataLoader(ds Dataset, config Config) *DataLoader {
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	if config.NumWorkers < 0 {
		config.NumWorkers = 0
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil && config.MaxCacheSize > 0 {
		cacheManager = NewCacheManager(config.MaxCacheSize)
		ownedCache = true
	}

	dl := &DataLoader{
		dataset:      ds,
		name:         config.Name,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		dropLast:     config.DropLast,
		numWorkers:   config.NumWorkers,
		rng:          rng,
		indices:      indices,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
	}
	dl.Reset()
	return dl
}

// Reset starts a new pass, reshuffling when configured.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// DatasetLen returns the number of samples behind the loader.
func (dl *DataLoader) DatasetLen() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Name returns the loader name.
func (dl *DataLoader) Name() string {
	return dl.name
}

// next reserves the indices of the next batch, or nil at the end of a pass.
func (dl *DataLoader) next() []int {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil
	}
	size := dl.batchSize
	if remaining < size {
		if dl.dropLast {
			dl.position = len(dl.indices)
			return nil
		}
		size = remaining
	}

	idx := make([]int, size)
	copy(idx, dl.indices[dl.position:dl.position+size])
	dl.position += size
	return idx
}

// NextBatch loads the next batch. It returns nil, nil at the end of a pass.
// A sample that fails to load aborts the batch; its samples are consumed.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	idx := dl.next()
	if idx == nil {
		return nil, nil
	}

	batch := &Batch{
		Items:  make([]*dataset.Item, len(idx)),
		Labels: make([]int64, len(idx)),
		Paths:  make([]string, len(idx)),
	}

	if dl.numWorkers == 0 {
		for i, index := range idx {
			if err := dl.loadInto(batch, i, index); err != nil {
				return nil, err
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(dl.numWorkers)
		for i, index := range idx {
			g.Go(func() error {
				return dl.loadInto(batch, i, index)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	metrics.Observer.Batch(dl.name)
	return batch, nil
}

func (dl *DataLoader) loadInto(batch *Batch, slot, index int) error {
	path, label, err := dl.dataset.GetItem(index)
	if err != nil {
		return err
	}

	img, err := dl.loadImageWithCache(path)
	if err != nil {
		return err
	}

	item, err := dataset.NewItem(path, label, img, dl.dataset.Transform())
	if err != nil {
		return err
	}

	batch.Items[slot] = item
	batch.Labels[slot] = item.Label
	batch.Paths[slot] = path
	return nil
}

// NextLabels returns the labels of the next batch without decoding any
// image, or nil at the end of a pass. It advances the same position as
// NextBatch.
func (dl *DataLoader) NextLabels() ([]int64, error) {
	idx := dl.next()
	if idx == nil {
		return nil, nil
	}

	labels := make([]int64, len(idx))
	for i, index := range idx {
		_, label, err := dl.dataset.GetItem(index)
		if err != nil {
			return nil, err
		}
		labels[i] = int64(label)
	}
	return labels, nil
}

// loadImageWithCache loads an image with caching support
func (dl *DataLoader) loadImageWithCache(path string) (*image.RGBA, error) {
	if dl.cacheManager != nil {
		if img, ok := dl.cacheManager.Get(path); ok {
			metrics.Observer.CacheHits.Inc()
			return img, nil
		}
	}

	img, err := preprocessing.LoadRGB(path)
	if err != nil {
		metrics.Observer.DecodeFailures.Inc()
		return nil, err
	}
	metrics.Observer.SamplesDecoded.Inc()

	if dl.cacheManager != nil {
		dl.cacheManager.Put(path, img)
	}
	return img, nil
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// Stats returns cache statistics, or an empty string without a cache.
func (dl *DataLoader) Stats() string {
	if dl.cacheManager == nil {
		return ""
	}
	return dl.cacheManager.Stats().String()
}

// ClearCache clears the image cache
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
	// If cache is shared, don't clear it
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
