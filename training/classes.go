package training

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrLabelOutOfRange is returned when a loader yields a label outside
	// [0, numClasses).
	ErrLabelOutOfRange = errors.New("label out of range")

	// ErrZeroClassCount is returned when a class never occurs, which makes
	// its inverse frequency infinite.
	ErrZeroClassCount = errors.New("class has zero samples")
)

// LabelSource yields the labels of one pass batch by batch. NextLabels
// returns nil at the end of a pass. *dataloader.DataLoader satisfies it.
type LabelSource interface {
	Reset()
	NextLabels() ([]int64, error)
	Len() int
}

// ClassCounts holds the number of samples per class, indexed by label.
type ClassCounts []float64

// Total is the number of counted samples.
func (c ClassCounts) Total() float64 {
	return floats.Sum(c)
}

// Counter counts class frequencies. When Progress is set a progress bar
// is drawn on it, one step per batch.
type Counter struct {
	Progress io.Writer
}

// CountClasses counts labels over one full pass of src without a
// progress bar.
func CountClasses(src LabelSource, numClasses int) (ClassCounts, error) {
	return Counter{}.Count(src, numClasses)
}

// Count resets src, counts every label of one pass, and leaves src
// exhausted. Callers Reset it before training.
func (c Counter) Count(src LabelSource, numClasses int) (ClassCounts, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}

	var bar *progressbar.ProgressBar
	if c.Progress != nil {
		bar = progressbar.NewOptions(src.Len(),
			progressbar.OptionSetWriter(c.Progress),
			progressbar.OptionSetDescription("Counting class frequency"),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.Progress) }),
		)
	}

	counts := make(ClassCounts, numClasses)
	src.Reset()
	for {
		labels, err := src.NextLabels()
		if err != nil {
			return nil, errors.Wrap(err, "counting class frequency")
		}
		if labels == nil {
			break
		}
		for _, l := range labels {
			if l < 0 || l >= int64(numClasses) {
				return nil, errors.Wrapf(ErrLabelOutOfRange, "label %d with %d classes", l, numClasses)
			}
			counts[l]++
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	log.Debug().Floats64("counts", counts).Msg("class frequency counted")
	return counts, nil
}

// ClassWeights returns inverse frequency weights normalised to sum to one:
// w[c] = (1/n[c]) / sum(1/n[i]).
//
// If a class has no samples the normalisation is skipped and the raw
// inverse frequencies are returned together with ErrZeroClassCount, so
// the zero class carries +Inf. Use ClassWeightsOrZero to ignore such
// classes instead.
func ClassWeights(counts ClassCounts) ([]float64, error) {
	if len(counts) == 0 {
		return nil, errors.New("no class counts")
	}

	inv := make([]float64, len(counts))
	zero := -1
	for i, n := range counts {
		if n < 0 {
			return nil, errors.Errorf("negative count %v for class %d", n, i)
		}
		if n == 0 && zero < 0 {
			zero = i
		}
		inv[i] = 1 / n
	}
	if zero >= 0 {
		return inv, errors.Wrapf(ErrZeroClassCount, "class %d", zero)
	}

	floats.Scale(1/floats.Sum(inv), inv)
	return inv, nil
}

// ClassWeightsOrZero is ClassWeights with zero count classes weighted 0
// and the remaining classes normalised among themselves.
func ClassWeightsOrZero(counts ClassCounts) ([]float64, error) {
	inv := make([]float64, len(counts))
	for i, n := range counts {
		if n < 0 {
			return nil, errors.Errorf("negative count %v for class %d", n, i)
		}
		if n > 0 {
			inv[i] = 1 / n
		}
	}
	sum := floats.Sum(inv)
	if sum == 0 {
		return nil, errors.Wrap(ErrZeroClassCount, "every class")
	}
	floats.Scale(1/sum, inv)
	return inv, nil
}
