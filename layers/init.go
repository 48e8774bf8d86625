package layers

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// KaimingGain is the gain of a leaky ReLU with the given negative slope.
func KaimingGain(leak float64) float64 {
	return math.Sqrt(2 / (1 + leak*leak))
}

// ReinitConvLayers redraws the weights of every Conv2D layer for a
// following (leaky) ReLU with negative slope leak, using the fan in of
// each layer. Normal draws use std gain/sqrt(fan_in). Uniform draws use
// the bound gain*sqrt(3/fan_in) and also zero the bias. Other layers are
// left untouched.
func ReinitConvLayers(m *Model, leak float64, useKaimingNormal bool, rng *rand.Rand) error {
	if m == nil || m.Spec == nil {
		return errors.New("reinit: nil model")
	}
	if leak < 0 || math.IsNaN(leak) {
		return errors.Errorf("reinit: invalid leak %v", leak)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	gain := KaimingGain(leak)
	for _, layer := range m.Spec.Layers {
		if layer.Type != Conv2D {
			continue
		}
		params := m.layerParams(layer)
		if len(params) == 0 {
			return errors.Errorf("reinit: layer %s has no weight", layer.Name)
		}
		fan := fanIn(layer)
		if fan == 0 {
			return errors.Errorf("reinit: layer %s has zero fan in", layer.Name)
		}

		weight := params[0]
		if useKaimingNormal {
			fillNormal(weight.Data, gain/math.Sqrt(float64(fan)), rng)
		} else {
			fillUniform(weight.Data, gain*math.Sqrt(3/float64(fan)), rng)
			if len(params) > 1 {
				fill(params[1].Data, 0)
			}
		}

		for _, v := range weight.Data {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return errors.Errorf("reinit: layer %s produced a non-finite weight", layer.Name)
			}
		}
		log.Debug().
			Str("layer", layer.Name).
			Int("fan_in", fan).
			Bool("normal", useKaimingNormal).
			Float64("gain", gain).
			Msg("convolution reinitialised")
	}
	return nil
}
