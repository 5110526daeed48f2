package train

import "math"

// CosineLR is linear warmup followed by cosine decay to zero.
type CosineLR struct {
	Base   float64
	Warmup int
	Total  int
}

// At returns the learning rate for optimizer step.
func (s CosineLR) At(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step+1) / float64(s.Warmup)
	}
	es := s.Total - s.Warmup
	if es <= 0 {
		return s.Base
	}
	e := step - s.Warmup
	return 0.5 * (1 + math.Cos(math.Pi*float64(e)/float64(es))) * s.Base
}
