package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nuvision"

// Registry holds every collector of the data pipeline. It is separate from
// the prometheus default registry so that importing the library never
// pollutes the host process.
var Registry = prometheus.NewRegistry()

// Observer is the process wide set of pipeline counters.
var Observer = NewPipeline(Registry)

// Pipeline groups the counters updated by scanning, decoding and batching.
type Pipeline struct {
	FilesScanned   prometheus.Counter
	EntriesSkipped *prometheus.CounterVec
	SamplesDecoded prometheus.Counter
	DecodeFailures prometheus.Counter
	CacheHits      prometheus.Counter
	BatchesServed  *prometheus.CounterVec
}

// NewPipeline creates the counters and registers them on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		FilesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_scanned_total",
			Help:      "Image files discovered under accepted label directories.",
		}),
		EntriesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Directory entries ignored while scanning a corpus.",
		}, []string{"reason"}),
		SamplesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_decoded_total",
			Help:      "Images decoded by sample providers.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Images that could not be opened or decoded.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Decoded images served from the loader cache.",
		}),
		BatchesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_served_total",
			Help:      "Batches returned by data loaders.",
		}, []string{"loader"}),
	}
	reg.MustRegister(
		p.FilesScanned,
		p.EntriesSkipped,
		p.SamplesDecoded,
		p.DecodeFailures,
		p.CacheHits,
		p.BatchesServed,
	)
	return p
}

// Skipped increments the skip counter for the given reason.
func (p *Pipeline) Skipped(reason string) {
	p.EntriesSkipped.WithLabelValues(reason).Inc()
}

// Batch records one batch served by the named loader.
func (p *Pipeline) Batch(loader string) {
	if loader == "" {
		loader = "unnamed"
	}
	p.BatchesServed.WithLabelValues(loader).Inc()
}
