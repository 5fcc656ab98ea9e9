package control

import (
	"fmt"
	"math"

	"github.com/san-kum/dynsync/internal/dynamo"
)

// PID tracks Target with the first state component. Limit, when positive,
// clamps the output; the integral stops growing while clamped.
type PID struct {
	Kp     float64
	Ki     float64
	Kd     float64
	Target float64
	Limit  float64

	integral float64
	prevErr  float64
	prevT    float64
	first    bool
}

func NewPID(kp, ki, kd, target float64) *PID {
	return &PID{
		Kp:     kp,
		Ki:     ki,
		Kd:     kd,
		Target: target,
		first:  true,
	}
}

// SetTarget changes the setpoint without resetting the integral.
func (p *PID) SetTarget(target float64) {
	p.Target = target
}

func (p *PID) Compute(x dynamo.State, t float64) dynamo.Control {
	if len(x) == 0 {
		return dynamo.Control{0}
	}
	err := p.Target - x[0]

	if p.first {
		p.prevErr, p.prevT, p.first = err, t, false
		return dynamo.Control{p.clamp(p.Kp * err)}
	}
	dt := t - p.prevT
	if dt <= 0 {
		return dynamo.Control{p.clamp(p.Kp*err + p.Ki*p.integral)}
	}
	derivative := (err - p.prevErr) / dt
	integral := p.integral + err*dt
	u := p.Kp*err + p.Ki*integral + p.Kd*derivative
	if c := p.clamp(u); c == u {
		p.integral = integral
	} else {
		u = c
	}
	p.prevErr, p.prevT = err, t
	return dynamo.Control{u}
}

func (p *PID) clamp(u float64) float64 {
	if p.Limit <= 0 {
		return u
	}
	return math.Max(-p.Limit, math.Min(p.Limit, u))
}

// Reset clears integral and derivative state.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.prevT = 0
	p.first = true
}

func (p *PID) GetParams() map[string]float64 {
	return map[string]float64{
		"kp":     p.Kp,
		"ki":     p.Ki,
		"kd":     p.Kd,
		"target": p.Target,
		"limit":  p.Limit,
	}
}

func (p *PID) SetParam(name string, value float64) error {
	switch name {
	case "kp":
		p.Kp = value
	case "ki":
		p.Ki = value
	case "kd":
		p.Kd = value
	case "target":
		p.Target = value
	case "limit":
		if value < 0 {
			return fmt.Errorf("%w: limit must not be negative, got %g", dynamo.ErrParameterBounds, value)
		}
		p.Limit = value
	default:
		return fmt.Errorf("%w: %s", dynamo.ErrUnknownParameter, name)
	}
	return nil
}
