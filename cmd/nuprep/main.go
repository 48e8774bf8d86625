// Command nuprep scans a neutrino image corpus, splits it, prepares the
// training and validation loaders and reports class counts and weights.
// It can also write a freshly initialised demo model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/async"
	"github.com/larworkshop/nuvision/checkpoints"
	"github.com/larworkshop/nuvision/config"
	"github.com/larworkshop/nuvision/layers"
	"github.com/larworkshop/nuvision/metrics"
	"github.com/larworkshop/nuvision/seed"
	"github.com/larworkshop/nuvision/training"
	"github.com/larworkshop/nuvision/vision/dataset"
	"github.com/larworkshop/nuvision/vision/preprocessing"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("nuprep failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("nuprep", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	dataRoot := fs.String("data", "", "corpus root with one directory per raw label")
	validSize := fs.Int("valid-size", 0, "validation set size")
	trainSize := fs.Int("train-size", 0, "training set size, 0 keeps the rest")
	batchSize := fs.Int("batch-size", 0, "batch size")
	workers := fs.Int("workers", 0, "decode workers per batch")
	seedValue := fs.Uint64("seed", 0, "random seed")
	deterministic := fs.Bool("deterministic", false, "reproducible run")
	logLevel := fs.String("log-level", "", "zerolog level")
	saveModel := fs.String("save-model", "", "write a demo model to this path (no extension)")
	peek := fs.Bool("peek", true, "load the first training batch")
	metricsOut := fs.String("metrics-out", "", "write pipeline counters in text format to this file")
	progress := fs.Bool("progress", true, "show progress bars while counting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	// explicitly set flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataRoot = *dataRoot
		case "valid-size":
			cfg.Split.ValidSize = *validSize
		case "train-size":
			cfg.Split.TrainSize = *trainSize
		case "batch-size":
			cfg.Loader.BatchSize = *batchSize
		case "workers":
			cfg.Loader.NumWorkers = *workers
		case "seed":
			cfg.Seed.Seed = *seedValue
		case "deterministic":
			cfg.Seed.Deterministic = *deterministic
		case "log-level":
			cfg.LogLevel = *logLevel
		case "save-model":
			cfg.Model.Save = *saveModel
		}
	})
	if err := config.Validate(cfg); err != nil {
		return err
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	src := seed.Apply(cfg.Seed)
	log.Info().Uint64("seed", src.Seed()).Str("root", cfg.DataRoot).Msg("preparing data")

	transforms := preprocessing.ResNetTransforms(src.Rand(seed.Augment))
	train, valid, err := dataset.MakeDatasets(cfg.DataRoot, &transforms, cfg.Split, src.Rand(seed.Split))
	if err != nil {
		return err
	}

	loaderCfg := cfg.Loader
	loaderCfg.Rand = src.Rand(seed.Shuffle)
	loaderCfg.NumWorkers = src.Workers(loaderCfg.NumWorkers)
	loaderCfg.Out = os.Stdout
	if *progress {
		loaderCfg.Progress = os.Stderr
	}
	prepared, err := training.PrepareDataLoaders(train, valid, loaderCfg)
	if err != nil {
		return err
	}

	if *peek && prepared.Sizes[training.PhaseTrain] > 0 {
		if err := peekBatch(prepared); err != nil {
			return err
		}
	}

	if cfg.Model.Save != "" {
		if err := writeDemoModel(cfg, src); err != nil {
			return err
		}
	}

	if *metricsOut != "" {
		if err := prometheus.WriteToTextfile(*metricsOut, metrics.Registry); err != nil {
			return errors.Wrap(err, "writing metrics")
		}
	}
	return nil
}

func peekBatch(p *training.Prepared) error {
	loader := p.Loaders[training.PhaseTrain]
	defer loader.Reset()

	prefetcher, err := async.NewPrefetcher(async.Limit(loader, 1), async.PrefetcherConfig{PrefetchDepth: 1})
	if err != nil {
		return err
	}
	if err := prefetcher.Start(); err != nil {
		return err
	}
	defer prefetcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	batch, err := prefetcher.Next(ctx)
	if err != nil {
		return errors.Wrap(err, "loading first batch")
	}
	if batch == nil {
		return nil
	}
	_, labels, shape, err := batch.Stack()
	if err != nil {
		return err
	}
	log.Info().Ints("shape", shape).Int("labels", len(labels)).Msg("first training batch")
	if stats := loader.Stats(); stats != "" {
		log.Debug().Msg(stats)
	}
	return nil
}

// writeDemoModel builds a small convolutional classifier for the meta
// classes, reinitialises its convolutions and saves it.
func writeDemoModel(cfg config.Config, src *seed.Source) error {
	size := preprocessing.ResNetImageSize
	spec, err := layers.NewModelBuilder([]int{cfg.Loader.BatchSize, 3, size, size}).
		AddConv2D(16, 3, 2, 1, true, "conv1").
		AddBatchNorm(16, 1e-5, 0.1, true, "bn1").
		AddLeakyReLU(float32(cfg.Model.Leak), "act1").
		AddConv2D(32, 3, 2, 1, true, "conv2").
		AddLeakyReLU(float32(cfg.Model.Leak), "act2").
		AddMaxPool2D(4, 4, "pool").
		AddDense(dataset.NumMetaClasses, true, "fc").
		Compile()
	if err != nil {
		return err
	}

	rng := src.Rand(seed.Init)
	model, err := layers.NewModel(spec, rng)
	if err != nil {
		return err
	}
	if err := layers.ReinitConvLayers(model, cfg.Model.Leak, cfg.Model.KaimingNormal, rng); err != nil {
		return err
	}
	if err := layers.PrintParameters(os.Stdout, model); err != nil {
		return err
	}

	switch cfg.Model.Format {
	case "onnx":
		c, err := checkpoints.NewCheckpoint(model, checkpoints.TrainingState{})
		if err != nil {
			return err
		}
		path := cfg.Model.Save + checkpoints.FormatONNX.Extension()
		return checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(c, path)
	default:
		path, err := checkpoints.SaveModel(model, cfg.Model.Save)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Model saved to %s\n", path)
		return nil
	}
}
