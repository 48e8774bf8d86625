package preprocessing

import (
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(y * 10), G: uint8(x * 10), B: 255, A: 255})
		}
	}
	return img
}

func TestCompose(t *testing.T) {
	tests := map[string]struct {
		steps []Step
		ok    bool
	}{
		"valid": {
			steps: []Step{Resize(2, 2), ToTensor(), Normalize(ImageNetMean, ImageNetStd)},
			ok:    true,
		},
		"tensor only": {
			steps: []Step{ToTensor()},
			ok:    true,
		},
		"missing to tensor": {
			steps: []Step{Resize(2, 2)},
		},
		"normalize before to tensor": {
			steps: []Step{Normalize(ImageNetMean, ImageNetStd), ToTensor()},
		},
		"resize after to tensor": {
			steps: []Step{ToTensor(), Resize(2, 2)},
		},
		"to tensor twice": {
			steps: []Step{ToTensor(), ToTensor()},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := Compose(tt.steps...)
			if tt.ok {
				require.NoError(t, err)
				assert.NotNil(t, p)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestToTensorLayout(t *testing.T) {
	p, err := Compose(ToTensor())
	require.NoError(t, err)

	img := gradient(3, 2)
	out, err := p.Apply(img)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Channels)
	assert.Equal(t, 3, out.Width)
	assert.Equal(t, 2, out.Height)
	require.Len(t, out.Data, 18)

	plane := 6
	// pixel (x=2, y=1)
	idx := 1*3 + 2
	assert.InDelta(t, 10.0/255, out.Data[idx], 1e-6)
	assert.InDelta(t, 20.0/255, out.Data[plane+idx], 1e-6)
	assert.InDelta(t, 1.0, out.Data[2*plane+idx], 1e-6)
}

func TestResize(t *testing.T) {
	p, err := Compose(Resize(16, 8), ToTensor())
	require.NoError(t, err)

	out, err := p.Apply(gradient(5, 7))
	require.NoError(t, err)
	assert.Equal(t, 16, out.Width)
	assert.Equal(t, 8, out.Height)
	assert.Len(t, out.Data, 3*16*8)
}

func TestRandomVerticalFlip(t *testing.T) {
	img := gradient(2, 3)
	rng := rand.New(rand.NewPCG(1, 2))

	always := RandomVerticalFlip(1, rng).ApplyImage(img)
	r, _, _, _ := always.At(0, 0).RGBA()
	assert.Equal(t, uint32(20), r>>8, "top row should come from the bottom")

	never := RandomVerticalFlip(0, rng).ApplyImage(img)
	assert.Same(t, img, never)
}

func TestNormalize(t *testing.T) {
	t.Run("Values", func(t *testing.T) {
		tensor := &ProcessedImage{Data: []float32{0.5, 1, 0, 0.25, 1, 0.75}, Width: 2, Height: 1, Channels: 3}
		err := Normalize([3]float32{0.5, 0.5, 0.5}, [3]float32{0.5, 0.25, 0.5}).ApplyTensor(tensor)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0, 1, -2, -1, 1, 0.5}, tensor.Data, 1e-6)
	})

	t.Run("ZeroStd", func(t *testing.T) {
		tensor := &ProcessedImage{Data: make([]float32, 3), Width: 1, Height: 1, Channels: 3}
		err := Normalize(ImageNetMean, [3]float32{1, 0, 1}).ApplyTensor(tensor)
		assert.Error(t, err)
	})

	t.Run("WrongChannels", func(t *testing.T) {
		tensor := &ProcessedImage{Data: make([]float32, 1), Width: 1, Height: 1, Channels: 1}
		assert.Error(t, Normalize(ImageNetMean, ImageNetStd).ApplyTensor(tensor))
	})
}

func TestResNetTransforms(t *testing.T) {
	tr := ResNetTransforms(rand.New(rand.NewPCG(3, 4)))

	for name, p := range map[string]Transform{"train": tr.Train, "val": tr.Val} {
		t.Run(name, func(t *testing.T) {
			out, err := p.Apply(gradient(30, 40))
			require.NoError(t, err)
			assert.Equal(t, ResNetImageSize, out.Width)
			assert.Equal(t, ResNetImageSize, out.Height)
			assert.Len(t, out.Data, 3*ResNetImageSize*ResNetImageSize)
		})
	}

	assert.Contains(t, tr.Train.(*Pipeline).String(), "RandomVerticalFlip")
	assert.NotContains(t, tr.Val.(*Pipeline).String(), "RandomVerticalFlip")

	t.Run("NilRand", func(t *testing.T) {
		unseeded := ResNetTransforms(nil)
		var out *ProcessedImage
		var err error
		require.NotPanics(t, func() {
			out, err = unseeded.Train.Apply(image.NewRGBA(image.Rect(0, 0, 8, 8)))
		})
		require.NoError(t, err)
		assert.Len(t, out.Data, 3*ResNetImageSize*ResNetImageSize)
	})
}
