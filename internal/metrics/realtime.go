package metrics

import (
	"sync"
	"time"
)

type tick struct {
	sim   float64
	wall  time.Time
	steps int
}

// RealTime measures the achieved real-time factor and step rate over a
// sliding window of steps. Safe for concurrent use.
type RealTime struct {
	mu    sync.Mutex
	ring  []tick
	next  int
	full  bool
	steps int
}

// NewRealTime keeps the last window samples. window < 2 is raised to 2.
func NewRealTime(window int) *RealTime {
	if window < 2 {
		window = 2
	}
	return &RealTime{ring: make([]tick, window)}
}

// Observe records one step at simulation time sim.
func (r *RealTime) Observe(sim float64, wall time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps++
	r.ring[r.next] = tick{sim: sim, wall: wall, steps: r.steps}
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
}

func (r *RealTime) span() (first, last tick, ok bool) {
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	if n < 2 {
		return tick{}, tick{}, false
	}
	lastIdx := (r.next - 1 + len(r.ring)) % len(r.ring)
	firstIdx := 0
	if r.full {
		firstIdx = r.next
	}
	return r.ring[firstIdx], r.ring[lastIdx], true
}

// Factor is simulated seconds per wall second over the window.
func (r *RealTime) Factor() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, last, ok := r.span()
	if !ok {
		return 0
	}
	wall := last.wall.Sub(first.wall).Seconds()
	if wall <= 0 {
		return 0
	}
	return (last.sim - first.sim) / wall
}

// StepsPerSecond is the step rate over the window.
func (r *RealTime) StepsPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, last, ok := r.span()
	if !ok {
		return 0
	}
	wall := last.wall.Sub(first.wall).Seconds()
	if wall <= 0 {
		return 0
	}
	return float64(last.steps-first.steps) / wall
}

// Steps is the number of observed steps since the last reset.
func (r *RealTime) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps
}

func (r *RealTime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.ring {
		r.ring[i] = tick{}
	}
	r.next, r.full, r.steps = 0, false, 0
}
