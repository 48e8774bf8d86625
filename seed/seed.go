// Package seed makes runs reproducible without relying on global state.
//
// A Config is applied once at process start. The returned Source hands out
// independent random streams per purpose, so that (for example) the number
// of shuffles performed by a loader never changes the train/validation
// split drawn from the same seed.
package seed

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/rs/zerolog/log"
)

// Purpose names an independent random stream.
type Purpose string

const (
	Split   Purpose = "split"
	Shuffle Purpose = "shuffle"
	Augment Purpose = "augment"
	Init    Purpose = "init"
)

// Config selects the seed and whether the run must be bit-for-bit
// reproducible.
type Config struct {
	Seed          uint64 `yaml:"seed"`
	Deterministic bool   `yaml:"deterministic"`
}

// Source derives purpose specific generators from one seed.
type Source struct {
	seed          uint64
	deterministic bool
}

// Apply validates nothing and never fails: any seed is acceptable. When
// Deterministic is false and Seed is zero a random seed is drawn so that
// separate runs differ.
func Apply(cfg Config) *Source {
	s := cfg.Seed
	if s == 0 && !cfg.Deterministic {
		s = rand.Uint64()
	}
	log.Debug().
		Uint64("seed", s).
		Bool("deterministic", cfg.Deterministic).
		Msg("random streams seeded")
	return &Source{seed: s, deterministic: cfg.Deterministic}
}

// Seed returns the effective seed.
func (s *Source) Seed() uint64 {
	return s.seed
}

// Deterministic reports whether the run was configured for reproducibility.
func (s *Source) Deterministic() bool {
	return s.deterministic
}

// Rand returns a new generator for the purpose. Two calls with the same
// purpose on the same Source produce identical streams.
func (s *Source) Rand(p Purpose) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	return rand.New(rand.NewPCG(s.seed, h.Sum64()))
}

// Workers returns the number of loader workers to use. Concurrent decoding
// draws augmentation decisions in a nondeterministic order, so a
// deterministic run always loads synchronously.
func (s *Source) Workers(requested int) int {
	if s.deterministic && requested > 0 {
		log.Warn().
			Int("requested", requested).
			Msg("deterministic run: loader workers disabled")
		return 0
	}
	return requested
}
