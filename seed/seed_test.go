package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandIsReproducible(t *testing.T) {
	a := Apply(Config{Seed: 42, Deterministic: true})
	b := Apply(Config{Seed: 42, Deterministic: true})

	assert.Equal(t, a.Rand(Split).Perm(20), b.Rand(Split).Perm(20))
	assert.Equal(t, a.Rand(Split).Perm(20), a.Rand(Split).Perm(20))
}

func TestPurposesAreIndependent(t *testing.T) {
	s := Apply(Config{Seed: 7, Deterministic: true})
	assert.NotEqual(t, s.Rand(Split).Perm(50), s.Rand(Shuffle).Perm(50))
}

func TestZeroSeed(t *testing.T) {
	t.Run("deterministic keeps zero", func(t *testing.T) {
		s := Apply(Config{Deterministic: true})
		assert.Equal(t, uint64(0), s.Seed())
	})

	t.Run("nondeterministic draws a seed", func(t *testing.T) {
		a := Apply(Config{})
		b := Apply(Config{})
		assert.NotEqual(t, a.Seed(), b.Seed())
	})
}

func TestWorkers(t *testing.T) {
	assert.Equal(t, 0, Apply(Config{Seed: 1, Deterministic: true}).Workers(4))
	assert.Equal(t, 4, Apply(Config{Seed: 1}).Workers(4))
	assert.Equal(t, 0, Apply(Config{Seed: 1}).Workers(0))
}
