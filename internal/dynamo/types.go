package dynamo

import "math"

// State is a model's state vector, e.g. [theta, omega] for a revolute joint.
type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

// IsValid reports whether every component is finite.
func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Add returns s + o. Missing components of o count as zero.
func (s State) Add(o State) State {
	return s.AddScaled(o, 1)
}

// Sub returns s - o.
func (s State) Sub(o State) State {
	return s.AddScaled(o, -1)
}

// AddScaled returns s + k*o, the building block of every explicit stage.
func (s State) AddScaled(o State, k float64) State {
	out := make(State, len(s))
	for i := range s {
		out[i] = s[i]
		if i < len(o) {
			out[i] += k * o[i]
		}
	}
	return out
}

func (s State) Scale(k float64) State {
	out := make(State, len(s))
	for i := range s {
		out[i] = s[i] * k
	}
	return out
}

// Control is an actuation vector.
type Control []float64

// System is an ODE right-hand side.
type System interface {
	Derive(x State, u Control, t float64) State
	StateDim() int
	ControlDim() int
}

// Hamiltonian is implemented by conservative systems.
type Hamiltonian interface {
	Energy(x State) float64
}

// Integrator advances a system by dt.
type Integrator interface {
	Step(sys System, x State, u Control, t, dt float64) State
}

// Controller computes actuation from the current state.
type Controller interface {
	Compute(x State, t float64) Control
}

// Configurable exposes named parameters for runtime tuning.
type Configurable interface {
	GetParams() map[string]float64
	SetParam(name string, value float64) error
}
