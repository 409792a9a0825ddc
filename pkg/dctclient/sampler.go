// Package dctclient — sampler.go provides the deterministic value generator
// behind the client's telemetry stream.
package dctclient

import "math/rand"

// Sampler produces signed 16-bit samples as a seeded bounded random walk.
// The sequence is fully determined by the seed, so test harnesses replaying
// the same seed and schedule observe identical values.
type Sampler struct {
	rng   *rand.Rand
	value int16
}

// samplerStart is the walk's initial value; steps stay within ±samplerStep.
const (
	samplerStart = 500
	samplerStep  = 10
)

// NewSampler creates a Sampler seeded with seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{
		rng:   rand.New(rand.NewSource(seed)),
		value: samplerStart,
	}
}

// Next advances the walk one step and returns the new sample.
func (s *Sampler) Next() int16 {
	step := s.rng.Intn(2*samplerStep+1) - samplerStep
	next := int32(s.value) + int32(step)
	if next > 32767 {
		next = 32767
	}
	if next < -32768 {
		next = -32768
	}
	s.value = int16(next)
	return s.value
}

// Value returns the current sample without advancing the walk.
func (s *Sampler) Value() int16 {
	return s.value
}
