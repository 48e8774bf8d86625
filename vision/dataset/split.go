package dataset

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/vision/preprocessing"
)

// DefaultValidSize is the validation set size used by the workshop.
const DefaultValidSize = 10000

// ErrInvalidSplit is returned for negative split sizes.
var ErrInvalidSplit = errors.New("invalid split size")

// SplitConfig sizes the two subsets. TrainSize zero keeps every sample not
// drawn for validation.
type SplitConfig struct {
	ValidSize int `yaml:"valid_size"`
	TrainSize int `yaml:"train_size"`

	// Extensions is passed to the scan, see ScanOptions.
	Extensions []string `yaml:"extensions"`
}

// Split draws one uniform permutation of the corpus. Its first validSize
// indices form the validation set and the following ones the training set,
// limited to trainSize when trainSize > 0. Samples beyond that are unused.
//
// A validSize larger than the corpus is clamped: every sample goes to
// validation and training is empty. A trainSize larger than what remains is
// clamped likewise.
func Split(c *Corpus, validSize, trainSize int, rng *rand.Rand) (train, valid *Corpus, err error) {
	if validSize < 0 || trainSize < 0 {
		return nil, nil, errors.Wrapf(ErrInvalidSplit, "valid_size=%d train_size=%d", validSize, trainSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	n := c.Len()
	perm := rng.Perm(n)

	if validSize > n {
		log.Warn().
			Int("valid_size", validSize).
			Int("corpus", n).
			Msg("validation size exceeds corpus, clamping")
		validSize = n
	}

	end := n
	if trainSize > 0 && validSize+trainSize < n {
		end = validSize + trainSize
	}

	return c.subset(perm[validSize:end]), c.subset(perm[:validSize]), nil
}

// MakeDatasets scans root, splits the corpus and wraps both subsets in
// sample providers. A nil transforms leaves samples untransformed.
func MakeDatasets(root string, transforms *preprocessing.Transforms, cfg SplitConfig, rng *rand.Rand) (train, valid *NeutrinoDataset, err error) {
	corpus, err := ScanWithOptions(root, ScanOptions{Extensions: cfg.Extensions})
	if err != nil {
		return nil, nil, err
	}

	trainCorpus, validCorpus, err := Split(corpus, cfg.ValidSize, cfg.TrainSize, rng)
	if err != nil {
		return nil, nil, err
	}

	var trainTransform, validTransform preprocessing.Transform
	if transforms != nil {
		trainTransform = transforms.Train
		validTransform = transforms.Val
	}

	train = NewNeutrinoDataset(trainCorpus, trainTransform)
	valid = NewNeutrinoDataset(validCorpus, validTransform)

	log.Info().
		Int("train", train.Len()).
		Int("valid", valid.Len()).
		Int("unused", corpus.Len()-train.Len()-valid.Len()).
		Msg("datasets ready")

	return train, valid, nil
}
