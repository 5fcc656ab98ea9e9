package metrics

import (
	"math"

	"github.com/san-kum/dynsync/internal/dynamo"
)

// ControlEffort is the mean absolute actuation applied by an actuator.
type ControlEffort struct {
	sum     float64
	peak    float64
	samples int
}

func NewControlEffort() *ControlEffort { return &ControlEffort{} }

func (c *ControlEffort) Name() string { return "control_effort" }

func (c *ControlEffort) Observe(_ dynamo.State, u dynamo.Control, _ float64) {
	for _, v := range u {
		a := math.Abs(v)
		c.sum += a
		c.peak = math.Max(c.peak, a)
	}
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

// Peak is the largest absolute actuation seen.
func (c *ControlEffort) Peak() float64 { return c.peak }

func (c *ControlEffort) Reset() { *c = ControlEffort{} }

// EnergyDrift is the largest relative departure from the first observed
// energy of a conservative joint.
type EnergyDrift struct {
	sys      dynamo.Hamiltonian
	initial  float64
	maxDrift float64
	seen     bool
}

func NewEnergyDrift(sys dynamo.Hamiltonian) *EnergyDrift {
	return &EnergyDrift{sys: sys}
}

func (e *EnergyDrift) Name() string { return "energy_drift" }

func (e *EnergyDrift) Observe(x dynamo.State, _ dynamo.Control, _ float64) {
	energy := e.sys.Energy(x)
	if !e.seen {
		e.initial = energy
		e.seen = true
		return
	}
	if e.initial != 0 {
		e.maxDrift = math.Max(e.maxDrift, math.Abs(energy-e.initial)/math.Abs(e.initial))
	}
}

func (e *EnergyDrift) Value() float64 { return e.maxDrift }

func (e *EnergyDrift) Reset() {
	e.initial, e.maxDrift, e.seen = 0, 0, false
}
