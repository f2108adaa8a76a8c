// Package session owns session identity and lifecycle: creating sessions,
// tracking foreground/background transitions, deciding export eligibility by
// sampling, and marking crashes.
package session

import "math/rand/v2"

// Randomizer yields uniform values in [0, 1). Injected so sampling decisions
// are deterministic in tests.
type Randomizer interface {
	Float64() float64
}

type systemRandomizer struct{}

// NewRandomizer returns a Randomizer over the process-wide PRNG.
func NewRandomizer() Randomizer {
	return systemRandomizer{}
}

func (systemRandomizer) Float64() float64 {
	return rand.Float64()
}

// Sampler makes the once-per-session export decision.
type Sampler struct {
	r Randomizer
}

// NewSampler returns a Sampler using r as its uniform source.
func NewSampler(r Randomizer) *Sampler {
	return &Sampler{r: r}
}

// ShouldReport decides export eligibility for a new session. Rate 0 never
// reports, rate 1 always does; anything between is a single uniform draw.
// The decision applies to the whole session, not per event.
func (s *Sampler) ShouldReport(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return s.r.Float64() < rate
}
