package physics

import (
	"fmt"

	"github.com/san-kum/dynsync/internal/dynamo"
)

const (
	DefaultStiffness = 10.0
	DefaultDamping   = 0.5
)

// Prismatic is a mass sliding along one axis on a damped spring anchored at
// Rest.
type Prismatic struct {
	Mass      float64
	Stiffness float64
	Damping   float64
	Rest      float64
}

func NewPrismatic() *Prismatic {
	return &Prismatic{
		Mass:      DefaultMass,
		Stiffness: DefaultStiffness,
		Damping:   DefaultDamping,
	}
}

func (s *Prismatic) StateDim() int   { return 2 }
func (s *Prismatic) ControlDim() int { return 1 }

// Derive takes the axial force as u[0].
func (s *Prismatic) Derive(x dynamo.State, u dynamo.Control, _ float64) dynamo.State {
	force := -s.Stiffness*(x[0]-s.Rest) - s.Damping*x[1]
	if len(u) > 0 {
		force += u[0]
	}
	return dynamo.State{x[1], force / s.Mass}
}

func (s *Prismatic) Energy(x dynamo.State) float64 {
	stretch := x[0] - s.Rest
	return 0.5*s.Mass*x[1]*x[1] + 0.5*s.Stiffness*stretch*stretch
}

func (s *Prismatic) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":      s.Mass,
		"stiffness": s.Stiffness,
		"damping":   s.Damping,
		"rest":      s.Rest,
	}
}

func (s *Prismatic) SetParam(name string, value float64) error {
	switch name {
	case "mass":
		if value <= 0 {
			return fmt.Errorf("%w: mass must be positive, got %g", dynamo.ErrParameterBounds, value)
		}
		s.Mass = value
	case "stiffness":
		if value < 0 {
			return fmt.Errorf("%w: stiffness must not be negative, got %g", dynamo.ErrParameterBounds, value)
		}
		s.Stiffness = value
	case "damping":
		s.Damping = value
	case "rest":
		s.Rest = value
	default:
		return fmt.Errorf("%w: %s", dynamo.ErrUnknownParameter, name)
	}
	return nil
}
