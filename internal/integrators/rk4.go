package integrators

import "github.com/san-kum/dynsync/internal/dynamo"

// RK4 is the classic fourth-order Runge-Kutta method. Stage slopes live in
// reused scratch slices.
type RK4 struct {
	k       [4]dynamo.State
	scratch dynamo.State
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) grow(n int) {
	if len(r.scratch) == n {
		return
	}
	for i := range r.k {
		r.k[i] = make(dynamo.State, n)
	}
	r.scratch = make(dynamo.State, n)
}

// stage evaluates the slope at x + h*k and stores it in dst.
func (r *RK4) stage(dst dynamo.State, sys dynamo.System, x, k dynamo.State, u dynamo.Control, t, h float64) {
	for i := range x {
		r.scratch[i] = x[i] + h*k[i]
	}
	copy(dst, sys.Derive(r.scratch, u, t))
}

func (r *RK4) Step(sys dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	n := len(x)
	r.grow(n)

	copy(r.k[0], sys.Derive(x, u, t))
	r.stage(r.k[1], sys, x, r.k[0], u, t+dt/2, dt/2)
	r.stage(r.k[2], sys, x, r.k[1], u, t+dt/2, dt/2)
	r.stage(r.k[3], sys, x, r.k[2], u, t+dt, dt)

	out := make(dynamo.State, n)
	for i := range x {
		out[i] = x[i] + dt/6*(r.k[0][i]+2*r.k[1][i]+2*r.k[2][i]+r.k[3][i])
	}
	return out
}
