// Package randsrc provides an injectable source of randomness: jitter,
// fingerprint selection, and activity sampling all need a source that tests
// can pin to a fixed sequence.
package randsrc

import "math/rand/v2"

// Source abstracts the bits of math/rand/v2 the domain packages need.
type Source interface {
	// Float64 returns a pseudo-random number in [0,1).
	Float64() float64
	// IntN returns a pseudo-random number in [0,n).
	IntN(n int) int
}

// System is the production Source backed by math/rand/v2's global generator.
type System struct{}

func (System) Float64() float64 { return rand.Float64() }
func (System) IntN(n int) int   { return rand.IntN(n) }

// Real is the shared System instance.
var Real Source = System{}

// Seeded is a deterministic Source for tests, backed by a PCG seeded with a
// fixed pair of values.
type Seeded struct {
	r *rand.Rand
}

// NewSeeded returns a Source that produces the same sequence for the same seed.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{r: rand.New(rand.NewPCG(seed, seed))}
}

func (s *Seeded) Float64() float64 { return s.r.Float64() }
func (s *Seeded) IntN(n int) int   { return s.r.IntN(n) }
