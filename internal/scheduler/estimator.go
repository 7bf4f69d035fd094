package scheduler

import "time"

// Estimator predicts the round-trip time of a node of a given encoded size as
// base + perByte*size. It keeps exponentially weighted moments of size and
// round-trip time and refits the line after every observation.
type Estimator struct {
	alpha   float64
	base    float64 // seconds
	perByte float64 // seconds per byte
	samples int

	// weighted moments
	ms, mx, mss, msx float64
}

// NewEstimator returns an estimator seeded with an initial base latency.
func NewEstimator(initial time.Duration, alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Estimator{alpha: alpha, base: initial.Seconds()}
}

// Estimate returns the predicted round-trip time for size bytes.
func (e *Estimator) Estimate(size int) time.Duration {
	return time.Duration((e.base + e.perByte*float64(size)) * float64(time.Second))
}

// Observe folds one measured round trip into the model.
func (e *Estimator) Observe(size int, rtt time.Duration) {
	s, x := float64(size), rtt.Seconds()
	if e.samples == 0 {
		e.ms, e.mx, e.mss, e.msx = s, x, s*s, s*x
	} else {
		a := e.alpha
		e.ms += a * (s - e.ms)
		e.mx += a * (x - e.mx)
		e.mss += a * (s*s - e.mss)
		e.msx += a * (s*x - e.msx)
	}
	e.samples++

	e.perByte = 0
	if v := e.mss - e.ms*e.ms; v > 1e-9*e.mss && v > 0 {
		e.perByte = (e.msx - e.ms*e.mx) / v
	}
	if e.perByte < 0 {
		e.perByte = 0
	}
	e.base = e.mx - e.perByte*e.ms
	if e.base < 0 {
		e.base = 0
	}
}

// Samples returns the number of observations.
func (e *Estimator) Samples() int { return e.samples }
