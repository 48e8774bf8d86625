package preprocessing

import (
	"fmt"
	"image"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ResNetImageSize is the square input edge expected by ResNet models.
const ResNetImageSize = 224

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ProcessedImage represents a preprocessed image ready for neural network
// input. Data is laid out CHW.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Transform turns a decoded image into network input.
type Transform interface {
	Apply(img image.Image) (*ProcessedImage, error)
}

// Step is one stage of a Pipeline. A step is either an ImageStep or a
// TensorStep.
type Step interface {
	String() string
}

// ImageStep works on decoded images, before tensor conversion.
type ImageStep interface {
	Step
	ApplyImage(img image.Image) image.Image
}

// TensorStep works on converted tensors, in place.
type TensorStep interface {
	Step
	ApplyTensor(t *ProcessedImage) error
}

// Pipeline is an ordered composition of steps. Image steps run first, then
// the tensor conversion, then tensor steps.
type Pipeline struct {
	imageSteps  []ImageStep
	tensorSteps []TensorStep
}

// Compose validates the ordering of steps and builds a Pipeline. ToTensor
// must appear exactly once, after every image step.
func Compose(steps ...Step) (*Pipeline, error) {
	p := &Pipeline{}
	converted := false
	for i, s := range steps {
		switch st := s.(type) {
		case toTensor:
			if converted {
				return nil, errors.Errorf("step %d: ToTensor appears twice", i)
			}
			converted = true
		case ImageStep:
			if converted {
				return nil, errors.Errorf("step %d: image step %s after ToTensor", i, st)
			}
			p.imageSteps = append(p.imageSteps, st)
		case TensorStep:
			if !converted {
				return nil, errors.Errorf("step %d: tensor step %s before ToTensor", i, st)
			}
			p.tensorSteps = append(p.tensorSteps, st)
		default:
			return nil, errors.Errorf("step %d: unsupported step %T", i, s)
		}
	}
	if !converted {
		return nil, errors.New("pipeline has no ToTensor step")
	}
	return p, nil
}

// Apply runs every step on img.
func (p *Pipeline) Apply(img image.Image) (*ProcessedImage, error) {
	for _, s := range p.imageSteps {
		img = s.ApplyImage(img)
	}
	t := imageToTensor(img)
	for _, s := range p.tensorSteps {
		if err := s.ApplyTensor(t); err != nil {
			return nil, errors.Wrapf(err, "apply %s", s)
		}
	}
	return t, nil
}

func (p *Pipeline) String() string {
	names := make([]string, 0, len(p.imageSteps)+len(p.tensorSteps)+1)
	for _, s := range p.imageSteps {
		names = append(names, s.String())
	}
	names = append(names, toTensor{}.String())
	for _, s := range p.tensorSteps {
		names = append(names, s.String())
	}
	return "Compose(" + strings.Join(names, ", ") + ")"
}

type resize struct {
	width, height int
}

// Resize scales to exactly width x height with bilinear filtering.
func Resize(width, height int) ImageStep {
	return resize{width: width, height: height}
}

func (r resize) ApplyImage(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == r.width && b.Dy() == r.height {
		return img
	}
	return imaging.Resize(img, r.width, r.height, imaging.Linear)
}

func (r resize) String() string {
	return fmt.Sprintf("Resize(%dx%d)", r.width, r.height)
}

// lockedRand lets one generator serve concurrent loader workers.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

type verticalFlip struct {
	p   float64
	rng *lockedRand
}

// RandomVerticalFlip flips top to bottom with probability p. A nil rng is
// randomly seeded.
func RandomVerticalFlip(p float64, rng *rand.Rand) ImageStep {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return verticalFlip{p: p, rng: &lockedRand{rng: rng}}
}

func (f verticalFlip) ApplyImage(img image.Image) image.Image {
	if f.rng.Float64() < f.p {
		return imaging.FlipV(img)
	}
	return img
}

func (f verticalFlip) String() string {
	return fmt.Sprintf("RandomVerticalFlip(p=%g)", f.p)
}

type toTensor struct{}

// ToTensor converts to CHW float32 scaled to [0, 1].
func ToTensor() Step {
	return toTensor{}
}

func (toTensor) String() string { return "ToTensor()" }

func imageToTensor(img image.Image) *ProcessedImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*w]
			for x := 0; x < w; x++ {
				idx := y*w + x
				data[idx] = float32(row[4*x]) / 255
				data[plane+idx] = float32(row[4*x+1]) / 255
				data[2*plane+idx] = float32(row[4*x+2]) / 255
			}
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				idx := y*w + x
				data[idx] = float32(r>>8) / 255
				data[plane+idx] = float32(g>>8) / 255
				data[2*plane+idx] = float32(bl>>8) / 255
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    w,
		Height:   h,
		Channels: 3,
	}
}

type normalize struct {
	mean, std [3]float32
}

// Normalize subtracts mean and divides by std per channel. A zero std is
// rejected when the step runs.
func Normalize(mean, std [3]float32) TensorStep {
	return normalize{mean: mean, std: std}
}

func (n normalize) ApplyTensor(t *ProcessedImage) error {
	if t.Channels != 3 {
		return errors.Errorf("normalize expects 3 channels, got %d", t.Channels)
	}
	plane := t.Width * t.Height
	for c := 0; c < 3; c++ {
		if n.std[c] == 0 {
			return errors.Errorf("channel %d has zero std", c)
		}
		ch := t.Data[c*plane : (c+1)*plane]
		for i, v := range ch {
			v = (v - n.mean[c]) / n.std[c]
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return errors.Errorf("non-finite value at channel %d index %d", c, i)
			}
			ch[i] = v
		}
	}
	return nil
}

func (n normalize) String() string {
	return fmt.Sprintf("Normalize(mean=%v, std=%v)", n.mean, n.std)
}

// Transforms holds the per-phase pipelines.
type Transforms struct {
	Train Transform
	Val   Transform
}

// ResNetTransforms returns the training and validation pipelines for 224x224
// ResNet input. Only the training pipeline flips, drawing from rng.
func ResNetTransforms(rng *rand.Rand) Transforms {
	return Transforms{
		Train: mustCompose(
			Resize(ResNetImageSize, ResNetImageSize),
			RandomVerticalFlip(0.5, rng),
			ToTensor(),
			Normalize(ImageNetMean, ImageNetStd),
		),
		Val: mustCompose(
			Resize(ResNetImageSize, ResNetImageSize),
			ToTensor(),
			Normalize(ImageNetMean, ImageNetStd),
		),
	}
}

func mustCompose(steps ...Step) *Pipeline {
	p, err := Compose(steps...)
	if err != nil {
		panic(err)
	}
	return p
}
