package physics

import (
	"fmt"
	"math"

	"github.com/san-kum/dynsync/internal/dynamo"
)

// Revolute is a point mass on a rigid link swinging about a hinge. Theta is
// measured from the downward vertical.
type Revolute struct {
	Mass    float64
	Length  float64
	Damping float64
	Gravity float64
}

func NewRevolute() *Revolute {
	return &Revolute{
		Mass:    DefaultMass,
		Length:  1.0,
		Damping: 0.1,
		Gravity: DefaultGravity,
	}
}

func (p *Revolute) StateDim() int   { return 2 }
func (p *Revolute) ControlDim() int { return 1 }

// Derive takes the hinge torque as u[0].
func (p *Revolute) Derive(x dynamo.State, u dynamo.Control, _ float64) dynamo.State {
	theta, omega := x[0], x[1]
	torque := 0.0
	if len(u) > 0 {
		torque = u[0]
	}
	inertia := p.Mass * p.Length * p.Length
	alpha := (torque - p.Damping*omega - p.Mass*p.Gravity*p.Length*math.Sin(theta)) / inertia
	return dynamo.State{omega, alpha}
}

func (p *Revolute) Energy(x dynamo.State) float64 {
	v := p.Length * x[1]
	return 0.5*p.Mass*v*v + p.Mass*p.Gravity*p.Length*(1-math.Cos(x[0]))
}

// Tip is the link end relative to the hinge, in the x-z plane.
func (p *Revolute) Tip(theta float64) [3]float64 {
	return [3]float64{p.Length * math.Sin(theta), 0, -p.Length * math.Cos(theta)}
}

func (p *Revolute) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":    p.Mass,
		"length":  p.Length,
		"damping": p.Damping,
		"gravity": p.Gravity,
	}
}

func (p *Revolute) SetParam(name string, value float64) error {
	switch name {
	case "mass", "length":
		if value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %g", dynamo.ErrParameterBounds, name, value)
		}
		if name == "mass" {
			p.Mass = value
		} else {
			p.Length = value
		}
	case "damping":
		p.Damping = value
	case "gravity":
		p.Gravity = value
	default:
		return fmt.Errorf("%w: %s", dynamo.ErrUnknownParameter, name)
	}
	return nil
}
