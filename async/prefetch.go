// Package async overlaps batch loading with the consumer.
package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/vision/dataloader"
)

// ErrStopped is returned by Next once the prefetcher has been stopped.
var ErrStopped = errors.New("prefetcher stopped")

// BatchSource yields the batches of one pass and nil at its end.
// *dataloader.DataLoader satisfies it.
type BatchSource interface {
	NextBatch() (*dataloader.Batch, error)
}

type limitedSource struct {
	source BatchSource
	left   int
}

// Limit ends the pass of source after n batches, so read-ahead never
// decodes more than the caller will consume.
func Limit(source BatchSource, n int) BatchSource {
	return &limitedSource{source: source, left: n}
}

func (l *limitedSource) NextBatch() (*dataloader.Batch, error) {
	if l.left <= 0 {
		return nil, nil
	}
	l.left--
	return l.source.NextBatch()
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	PrefetchDepth int // batches loaded ahead (default: 2)
}

type result struct {
	batch *dataloader.Batch
	err   error
}

// Prefetcher loads the batches of one pass in a background goroutine,
// keeping up to PrefetchDepth of them ready. Batches are delivered in the
// order the source produces them. A source error ends the pass.
type Prefetcher struct {
	source BatchSource
	depth  int

	results chan result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter uint64
	isRunning    bool
	mutex        sync.RWMutex
}

// NewPrefetcher creates a prefetcher over source. Call Start to begin
// loading.
func NewPrefetcher(source BatchSource, config PrefetcherConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("batch source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		source:  source,
		depth:   config.PrefetchDepth,
		results: make(chan result, config.PrefetchDepth),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the background loader. It may be called once.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return errors.New("prefetcher is already running")
	}
	if p.ctx.Err() != nil {
		return ErrStopped
	}

	p.wg.Add(1)
	go p.worker()
	p.isRunning = true
	return nil
}

// Stop cancels loading and waits for the background goroutine.
func (p *Prefetcher) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mutex.Lock()
	p.isRunning = false
	p.mutex.Unlock()
}

// Next blocks until the next batch is ready. It returns nil, nil at the
// end of the pass and ErrStopped once Stop has been called, even when
// read-ahead batches are still buffered.
func (p *Prefetcher) Next(ctx context.Context) (*dataloader.Batch, error) {
	if p.ctx.Err() != nil {
		return nil, ErrStopped
	}
	select {
	case r, ok := <-p.results:
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrStopped
	}
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()

	for {
		batch, err := p.source.NextBatch()
		if batch == nil && err == nil {
			close(p.results)
			return
		}

		select {
		case p.results <- result{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("prefetch stopped on error")
			close(p.results)
			return
		}

		p.mutex.Lock()
		p.batchCounter++
		p.mutex.Unlock()
	}
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.batchCounter,
		QueuedBatches:   len(p.results),
		QueueCapacity:   cap(p.results),
	}
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}
