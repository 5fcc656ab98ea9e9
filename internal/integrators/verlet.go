package integrators

import "github.com/san-kum/dynsync/internal/dynamo"

// The symplectic methods below expect x = [q..., v...] with dq/dt = v, so
// only the second half of each derivative (the acceleration) is used.

// Verlet is velocity Verlet.
type Verlet struct {
	scratch dynamo.State
}

func NewVerlet() *Verlet {
	return &Verlet{}
}

func (v *Verlet) Step(sys dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	n := len(x)
	half := n / 2
	if len(v.scratch) != n {
		v.scratch = make(dynamo.State, n)
	}

	a0 := sys.Derive(x, u, t)
	out := make(dynamo.State, n)
	for i := 0; i < half; i++ {
		out[i] = x[i] + dt*x[half+i] + 0.5*dt*dt*a0[half+i]
		v.scratch[i] = out[i]
		v.scratch[half+i] = x[half+i]
	}
	a1 := sys.Derive(v.scratch, u, t+dt)
	for i := 0; i < half; i++ {
		out[half+i] = x[half+i] + 0.5*dt*(a0[half+i]+a1[half+i])
	}
	return out
}

// Leapfrog is kick-drift-kick.
type Leapfrog struct {
	scratch dynamo.State
}

func NewLeapfrog() *Leapfrog {
	return &Leapfrog{}
}

func (l *Leapfrog) Step(sys dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	n := len(x)
	half := n / 2
	if len(l.scratch) != n {
		l.scratch = make(dynamo.State, n)
	}

	a0 := sys.Derive(x, u, t)
	for i := 0; i < half; i++ {
		vHalf := x[half+i] + 0.5*dt*a0[half+i]
		l.scratch[half+i] = vHalf
		l.scratch[i] = x[i] + dt*vHalf
	}
	a1 := sys.Derive(l.scratch, u, t+dt)
	out := make(dynamo.State, n)
	for i := 0; i < half; i++ {
		out[i] = l.scratch[i]
		out[half+i] = l.scratch[half+i] + 0.5*dt*a1[half+i]
	}
	return out
}
