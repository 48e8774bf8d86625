package training

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/vision/dataloader"
	"github.com/larworkshop/nuvision/vision/dataset"
)

// Phase names a pass over one of the two splits.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
)

// LoaderConfig configures PrepareDataLoaders.
type LoaderConfig struct {
	BatchSize    int  `yaml:"batch_size"`
	NumClasses   int  `yaml:"num_classes"`
	NumWorkers   int  `yaml:"num_workers"`
	DropLast     bool `yaml:"drop_last"`
	MaxCacheSize int  `yaml:"max_cache_size"` // -1 caches both splits, 0 disables

	// Rand drives the training shuffle. Nil seeds one at random.
	Rand *rand.Rand `yaml:"-"`
	// Out receives the counts and weights report. Nil means stdout.
	Out io.Writer `yaml:"-"`
	// Progress receives the counting progress bars. Nil disables them.
	Progress io.Writer `yaml:"-"`
}

// DefaultLoaderConfig mirrors the workshop setup: batches of 32, four
// meta classes, synchronous loading.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		BatchSize:  32,
		NumClasses: dataset.NumMetaClasses,
	}
}

// Prepared is what a trainer needs to start: the loaders and dataset
// sizes keyed by phase, and the training class weights.
type Prepared struct {
	Loaders      map[Phase]*dataloader.DataLoader
	Sizes        map[Phase]int
	ClassWeights []float64

	Counts map[Phase]ClassCounts
}

// PrepareDataLoaders builds a shuffled training loader and an ordered
// validation loader, counts the classes of both and reports counts and
// weights. Both loaders are reset before returning.
//
// A training class without samples fails with ErrZeroClassCount. For the
// validation split, which only reports its weights, the zero classes are
// logged and weighted 0.
func PrepareDataLoaders(train, valid *dataset.NeutrinoDataset, cfg LoaderConfig) (*Prepared, error) {
	if train == nil || valid == nil {
		return nil, errors.New("prepare data loaders: nil dataset")
	}
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = dataset.NumMetaClasses
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	trainLoader, validLoader := dataloader.CreateSharedDataLoaders(train, valid, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		DropLast:     cfg.DropLast,
		NumWorkers:   cfg.NumWorkers,
		MaxCacheSize: cfg.MaxCacheSize,
		Rand:         cfg.Rand,
	})

	counter := Counter{Progress: cfg.Progress}

	trainCounts, err := counter.Count(trainLoader, cfg.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "training split")
	}
	fmt.Fprintf(out, "Counts (Training): %v\n", trainCounts)
	trainWeights, err := ClassWeights(trainCounts)
	if err != nil {
		return nil, errors.Wrap(err, "training split")
	}
	fmt.Fprintf(out, "Weights (Training): %v\n", trainWeights)

	validCounts, err := counter.Count(validLoader, cfg.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "validation split")
	}
	fmt.Fprintf(out, "Counts (Validation): %v\n", validCounts)
	validWeights, err := ClassWeights(validCounts)
	if errors.Is(err, ErrZeroClassCount) {
		log.Warn().Err(err).Floats64("counts", validCounts).Msg("validation split is missing a class")
		validWeights, err = ClassWeightsOrZero(validCounts)
	}
	if err != nil {
		return nil, errors.Wrap(err, "validation split")
	}
	fmt.Fprintf(out, "Weights (Validation): %v\n", validWeights)

	trainLoader.Reset()
	validLoader.Reset()

	log.Info().
		Int("train", train.Len()).
		Int("val", valid.Len()).
		Int("batch_size", trainLoader.BatchSize()).
		Msg("data loaders prepared")

	return &Prepared{
		Loaders: map[Phase]*dataloader.DataLoader{
			PhaseTrain: trainLoader,
			PhaseVal:   validLoader,
		},
		Sizes: map[Phase]int{
			PhaseTrain: train.Len(),
			PhaseVal:   valid.Len(),
		},
		ClassWeights: trainWeights,
		Counts: map[Phase]ClassCounts{
			PhaseTrain: trainCounts,
			PhaseVal:   validCounts,
		},
	}, nil
}
