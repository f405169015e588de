package metrics

import (
	"math"
	"sync"
	"time"
)

// ResponseTimes keeps an exponentially weighted moving average of latencies
// for one source, plus totals for the periodic stats report.
type ResponseTimes struct {
	name  string
	alpha float64

	mu       sync.Mutex
	average  float64
	max      time.Duration
	count    uint64
	failures uint64
}

// NewResponseTimes creates an aggregate. alpha is the weight of the newest
// sample; values outside (0, 1] fall back to 0.2.
func NewResponseTimes(name string, alpha float64) *ResponseTimes {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &ResponseTimes{name: name, alpha: alpha}
}

// Observe adds a sample. Failed calls count towards Failures but their
// latency is not averaged.
func (r *ResponseTimes) Observe(d time.Duration, err error) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if err != nil {
		r.failures++
		return
	}
	if r.count-r.failures == 1 {
		r.average = float64(d)
	} else {
		r.average = r.alpha*float64(d) + (1-r.alpha)*r.average
	}
	if d > r.max {
		r.max = d
	}
}

// ResponseTimesSnapshot is a point-in-time copy of a ResponseTimes.
type ResponseTimesSnapshot struct {
	Name     string
	Average  time.Duration
	Max      time.Duration
	Count    uint64
	Failures uint64
}

// Snapshot returns the current values.
func (r *ResponseTimes) Snapshot() ResponseTimesSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResponseTimesSnapshot{
		Name:     r.name,
		Average:  time.Duration(math.Round(r.average)),
		Max:      r.max,
		Count:    r.count,
		Failures: r.failures,
	}
}

// ResetMax clears the maximum; the stats reporter calls it after each
// detailed report.
func (r *ResponseTimes) ResetMax() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = 0
}
