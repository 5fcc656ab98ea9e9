package dynamics

import (
	"fmt"

	"github.com/san-kum/dynsync/internal/control"
	"github.com/san-kum/dynsync/internal/dynamo"
	"github.com/san-kum/dynsync/internal/integrators"
	"github.com/san-kum/dynsync/internal/metrics"
	"github.com/san-kum/dynsync/internal/physics"
)

type body struct {
	spec   BodySpec
	model  *physics.FreeBody
	integ  dynamo.Integrator
	x      dynamo.State // [p, v]
	q      [4]float64
	w      [3]float64
	force  [3]float64
	torque [3]float64
}

type joint struct {
	name   string
	typ    string
	sys    dynamo.System
	integ  dynamo.Integrator
	x      dynamo.State // [value, velocity]
	effort float64      // written externally
	total  float64      // applied during the last step
	drift  *metrics.EnergyDrift
}

func (j *joint) params() dynamo.Configurable {
	return j.sys.(dynamo.Configurable)
}

type actuator struct {
	name   string
	joint  *joint
	pid    *control.PID
	cmd    float64
	effort *metrics.ControlEffort
}

// weld pins child to parent with the pose it had when welded.
type weld struct {
	parent *body
	offset [3]float64 // child position in the parent frame
	rel    [4]float64 // child orientation in the parent frame
}

// world is one instance of a scene.
type world struct {
	bodies    []*body
	joints    []*joint
	actuators []*actuator
	byName    map[string]any
	welds     map[*body]weld
	t         float64
	steps     int
}

func newWorld(s *Scene) (*world, error) {
	w := &world{byName: make(map[string]any), welds: make(map[*body]weld)}
	gravity := physics.DefaultGravity
	if s.Gravity != nil {
		gravity = *s.Gravity
	}
	for _, spec := range s.Bodies {
		integ, err := integrators.New(s.Integrator)
		if err != nil {
			return nil, err
		}
		m := physics.NewFreeBody()
		m.Mass = spec.Mass
		m.Inertia = spec.Inertia
		m.Gravity = gravity
		if spec.NoGravity {
			m.Gravity = 0
		}
		m.LinearDamping = spec.LinearDamping
		m.AngularDamping = spec.AngularDamping
		b := &body{
			spec:  spec,
			model: m,
			integ: integ,
			x: dynamo.State{
				spec.Position[0], spec.Position[1], spec.Position[2],
				spec.LinearVelocity[0], spec.LinearVelocity[1], spec.LinearVelocity[2],
			},
			q: physics.Normalize(spec.Quaternion),
			w: spec.AngularVelocity,
		}
		w.bodies = append(w.bodies, b)
		w.byName[spec.Name] = b
	}
	for _, spec := range s.Joints {
		integ, err := integrators.New(s.Integrator)
		if err != nil {
			return nil, err
		}
		j := &joint{name: spec.Name, typ: spec.Type, integ: integ, x: dynamo.State{spec.Value, spec.Velocity}}
		switch spec.Type {
		case Revolute:
			m := physics.NewRevolute()
			m.Mass, m.Length, m.Damping, m.Gravity = spec.Mass, spec.Length, spec.Damping, gravity
			j.sys = m
		case Prismatic:
			m := physics.NewPrismatic()
			m.Mass, m.Damping, m.Rest = spec.Mass, spec.Damping, spec.Rest
			if spec.Stiffness != 0 {
				m.Stiffness = spec.Stiffness
			}
			j.sys = m
		}
		j.drift = metrics.NewEnergyDrift(j.sys.(dynamo.Hamiltonian))
		w.joints = append(w.joints, j)
		w.byName[spec.Name] = j
	}
	for _, spec := range s.Actuators {
		j := w.byName[spec.Joint].(*joint)
		pid := control.NewPID(spec.Kp, spec.Ki, spec.Kd, j.x[0])
		pid.Limit = spec.Limit
		a := &actuator{name: spec.Name, joint: j, pid: pid, cmd: j.x[0], effort: metrics.NewControlEffort()}
		w.actuators = append(w.actuators, a)
		w.byName[spec.Name] = a
	}
	return w, nil
}

func (w *world) body(name string) (*body, bool) {
	b, ok := w.byName[name].(*body)
	return b, ok
}

// step advances every element of the instance by dt.
func (w *world) step(dt float64) error {
	for _, j := range w.joints {
		j.total = j.effort
	}
	for _, a := range w.actuators {
		a.pid.SetTarget(a.cmd)
		u := a.pid.Compute(a.joint.x, w.t)
		a.effort.Observe(a.joint.x, u, w.t)
		a.joint.total += u[0]
	}
	for _, j := range w.joints {
		next := j.integ.Step(j.sys, j.x, dynamo.Control{j.total}, w.t, dt)
		if !next.IsValid() {
			return &dynamo.SimulationError{Element: j.name, Step: w.steps, Time: w.t, State: next, Wrapped: dynamo.ErrInvalidState}
		}
		j.x = next
		j.drift.Observe(j.x, nil, w.t)
	}
	for _, b := range w.bodies {
		if b.spec.Fixed {
			continue
		}
		if _, welded := w.welds[b]; welded {
			continue
		}
		next := b.integ.Step(b.model, b.x, b.force[:], w.t, dt)
		if !next.IsValid() {
			return &dynamo.SimulationError{Element: b.spec.Name, Step: w.steps, Time: w.t, State: next, Wrapped: dynamo.ErrInvalidState}
		}
		b.x = next
		b.w = b.model.Spin(b.w, b.torque, dt)
		b.q = physics.Integrate(b.q, b.w, dt)
	}
	w.follow()
	w.t += dt
	w.steps++
	return nil
}

// follow moves welded bodies with their parents. Chains resolve in
// weld order.
func (w *world) follow() {
	for _, b := range w.bodies {
		wd, ok := w.welds[b]
		if !ok {
			continue
		}
		place(b, wd)
	}
}

// place puts a welded body at its pose on the parent.
func place(b *body, wd weld) {
	p := wd.parent
	off := physics.Rotate(p.q, wd.offset)
	for i := 0; i < 3; i++ {
		b.x[i] = p.x[i] + off[i]
		b.x[3+i] = p.x[3+i]
	}
	b.q = physics.Mul(p.q, wd.rel)
	b.w = p.w
}

func (w *world) weld(parent, child *body) {
	var d [3]float64
	for i := range d {
		d[i] = child.x[i] - parent.x[i]
	}
	inv := physics.Conj(parent.q)
	w.welds[child] = weld{
		parent: parent,
		offset: physics.Rotate(inv, d),
		rel:    physics.Mul(inv, child.q),
	}
}

// weldAt pins child to parent at offset and rel in the parent frame and
// moves it there at once.
func (w *world) weldAt(parent, child *body, offset [3]float64, rel [4]float64) {
	wd := weld{parent: parent, offset: offset, rel: rel}
	w.welds[child] = wd
	place(child, wd)
}

func (w *world) unweld(parent, child *body) {
	if wd, ok := w.welds[child]; ok && wd.parent == parent {
		delete(w.welds, child)
	}
}

func (w *world) configurable(name string) (dynamo.Configurable, error) {
	switch el := w.byName[name].(type) {
	case *joint:
		return el.params(), nil
	case *actuator:
		return el.pid, nil
	}
	return nil, fmt.Errorf("%w: %q has no parameters", ErrUnknownObject, name)
}

func (w *world) setParam(element, name string, v float64) error {
	c, err := w.configurable(element)
	if err != nil {
		return err
	}
	return c.SetParam(name, v)
}
