// Package metrics tracks running statistics of a simulation: how fast it
// runs against the wall clock and how its joints and actuators behave.
package metrics

import "github.com/san-kum/dynsync/internal/dynamo"

// Metric observes a state/control pair per step.
type Metric interface {
	Name() string
	Observe(x dynamo.State, u dynamo.Control, t float64)
	Value() float64
	Reset()
}

// Snapshot collects the current value of each metric by name.
func Snapshot(ms ...Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name()] = m.Value()
	}
	return out
}
