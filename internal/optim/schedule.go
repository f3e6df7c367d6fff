package optim

import "math"

// Schedule maps a 1-based step to a learning rate. Implementations are pure.
type Schedule interface {
	At(step int64) float64
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) At(int64) float64 { return float64(c) }

// WarmupCosine ramps linearly from 0 to Base over Warmup steps, then decays
// along a cosine to Min by step Decay, and stays at Min afterwards.
type WarmupCosine struct {
	Base   float64
	Min    float64
	Warmup int64
	Decay  int64
}

func (s WarmupCosine) At(step int64) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(s.Warmup)
	}
	if step < s.Decay {
		progress := float64(step-s.Warmup) / float64(s.Decay-s.Warmup)
		cosine := 0.5 * (1 + math.Cos(math.Pi*progress))
		return s.Min + (s.Base-s.Min)*cosine
	}
	if s.Decay <= 0 {
		return s.Base
	}
	return s.Min
}
