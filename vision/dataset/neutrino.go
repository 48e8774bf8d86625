package dataset

import (
	"fmt"
	"image"
	"strings"

	"github.com/pkg/errors"

	"github.com/larworkshop/nuvision/metrics"
	"github.com/larworkshop/nuvision/vision/preprocessing"
)

// ErrIndexOutOfRange is returned for indices outside [0, Len()).
var ErrIndexOutOfRange = errors.New("index out of range")

// Item is one loaded sample. Exactly one of Image and Tensor is set: Image
// when the dataset has no transform, Tensor otherwise.
type Item struct {
	Path   string
	Label  int64
	Image  *image.RGBA
	Tensor *preprocessing.ProcessedImage
}

// NewItem finishes a decoded image into an Item, applying tr when set.
func NewItem(path string, label int, img *image.RGBA, tr preprocessing.Transform) (*Item, error) {
	item := &Item{Path: path, Label: int64(label)}
	if tr == nil {
		item.Image = img
		return item, nil
	}
	t, err := tr.Apply(img)
	if err != nil {
		return nil, errors.Wrapf(err, "transform %s", path)
	}
	item.Tensor = t
	return item, nil
}

// NeutrinoDataset lazily provides labelled images. It holds no mutable
// state, so distinct indices may be loaded concurrently.
type NeutrinoDataset struct {
	labels    []MetaLabel
	paths     []string
	transform preprocessing.Transform
}

// NewNeutrinoDataset wraps the samples of c. A nil transform returns
// decoded RGB images.
func NewNeutrinoDataset(c *Corpus, transform preprocessing.Transform) *NeutrinoDataset {
	return &NeutrinoDataset{
		labels:    c.Labels,
		paths:     c.Paths,
		transform: transform,
	}
}

// Len returns the number of samples.
func (d *NeutrinoDataset) Len() int {
	return len(d.paths)
}

// GetItem returns the image path and label at the given index without
// touching the file.
func (d *NeutrinoDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.paths) {
		return "", 0, errors.Wrapf(ErrIndexOutOfRange, "index %d, len %d", index, len(d.paths))
	}
	return d.paths[index], int(d.labels[index]), nil
}

// Transform returns the configured transform, possibly nil.
func (d *NeutrinoDataset) Transform() preprocessing.Transform {
	return d.transform
}

// Get opens and decodes the image at index, converts it to RGB and applies
// the transform. Nothing is cached.
func (d *NeutrinoDataset) Get(index int) (*Item, error) {
	path, label, err := d.GetItem(index)
	if err != nil {
		return nil, err
	}

	img, err := preprocessing.LoadRGB(path)
	if err != nil {
		metrics.Observer.DecodeFailures.Inc()
		return nil, err
	}
	metrics.Observer.SamplesDecoded.Inc()

	return NewItem(path, label, img, d.transform)
}

// Labels returns the meta labels in dataset order.
func (d *NeutrinoDataset) Labels() []MetaLabel {
	return d.labels
}

// Paths returns the file paths in dataset order.
func (d *NeutrinoDataset) Paths() []string {
	return d.paths
}

// ClassDistribution returns the number of samples per meta label.
func (d *NeutrinoDataset) ClassDistribution() map[MetaLabel]int {
	dist := make(map[MetaLabel]int)
	for _, l := range d.labels {
		dist[l]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *NeutrinoDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("NeutrinoDataset: %d samples, %d classes\n", d.Len(), NumMetaClasses))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for m := MetaLabel(0); m < NumMetaClasses; m++ {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", m, dist[m]))
	}

	return sb.String()
}
