package vad

import (
	"errors"
	"math"
	"sync"
)

// Scorer estimates the probability that a frame contains speech. Stateful
// implementations clear their internal state in ResetState; Close releases
// any model resources.
type Scorer interface {
	Score(frame []float32, sampleRate int) (float32, error)
	ResetState()
	Close() error
}

// EnergyScorer maps frame RMS to a probability with rms/(rms+reference), so a
// frame at the reference level scores 0.5. Smoothing in [0,1) blends each
// score with the previous one.
type EnergyScorer struct {
	reference float64
	smoothing float32

	mu     sync.Mutex
	last   float32
	primed bool
	closed bool
}

var ErrScorerClosed = errors.New("vad: scorer closed")

func NewEnergyScorer(reference float64, smoothing float32) *EnergyScorer {
	if reference <= 0 {
		reference = 0.01
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = 0
	}
	return &EnergyScorer{reference: reference, smoothing: smoothing}
}

func (s *EnergyScorer) Score(frame []float32, _ int) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrScorerClosed
	}
	if len(frame) == 0 {
		return 0, nil
	}

	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	p := float32(rms / (rms + s.reference))

	if s.smoothing > 0 && s.primed {
		p = s.smoothing*s.last + (1-s.smoothing)*p
	}
	s.last = p
	s.primed = true
	return p, nil
}

func (s *EnergyScorer) ResetState() {
	s.mu.Lock()
	s.last = 0
	s.primed = false
	s.mu.Unlock()
}

func (s *EnergyScorer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
