package physics

import (
	"math"

	"github.com/san-kum/dynsync/internal/dynamo"
)

// FreeBody is the translational part of an unconstrained rigid body:
// state [px, py, pz, vx, vy, vz], control is the applied force.
type FreeBody struct {
	Mass    float64
	Inertia [3]float64

	// Gravity is applied along -z.
	Gravity        float64
	LinearDamping  float64
	AngularDamping float64
}

func NewFreeBody() *FreeBody {
	return &FreeBody{
		Mass:    DefaultMass,
		Inertia: [3]float64{0.1, 0.1, 0.1},
		Gravity: DefaultGravity,
	}
}

func (b *FreeBody) StateDim() int   { return 6 }
func (b *FreeBody) ControlDim() int { return 3 }

func (b *FreeBody) Derive(x dynamo.State, u dynamo.Control, _ float64) dynamo.State {
	dx := make(dynamo.State, 6)
	for i := 0; i < 3; i++ {
		f := -b.LinearDamping * x[3+i]
		if i < len(u) {
			f += u[i]
		}
		dx[i] = x[3+i]
		dx[3+i] = f / b.Mass
	}
	dx[5] -= b.Gravity
	return dx
}

// Spin advances the angular velocity by dt under torque with Euler's
// equations for a diagonal inertia.
func (b *FreeBody) Spin(w, torque [3]float64, dt float64) [3]float64 {
	i1, i2, i3 := b.Inertia[0], b.Inertia[1], b.Inertia[2]
	a := [3]float64{
		(torque[0] - (i3-i2)*w[1]*w[2]) / i1,
		(torque[1] - (i1-i3)*w[2]*w[0]) / i2,
		(torque[2] - (i2-i1)*w[0]*w[1]) / i3,
	}
	for k := range w {
		w[k] += dt * (a[k] - b.AngularDamping*w[k])
	}
	return w
}

func (b *FreeBody) Energy(x dynamo.State) float64 {
	ke := 0.5 * b.Mass * (x[3]*x[3] + x[4]*x[4] + x[5]*x[5])
	return ke + b.Mass*b.Gravity*x[2]
}

// Quaternions are [w, x, y, z].

// Integrate rotates q by angular velocity w over dt using the exact
// axis-angle increment.
func Integrate(q [4]float64, w [3]float64, dt float64) [4]float64 {
	speed := math.Sqrt(w[0]*w[0] + w[1]*w[1] + w[2]*w[2])
	if speed < 1e-12 {
		return Normalize(q)
	}
	half := 0.5 * speed * dt
	s := math.Sin(half) / speed
	dq := [4]float64{math.Cos(half), w[0] * s, w[1] * s, w[2] * s}
	return Normalize(Mul(dq, q))
}

// Mul is the Hamilton product a*b.
func Mul(a, b [4]float64) [4]float64 {
	return [4]float64{
		a[0]*b[0] - a[1]*b[1] - a[2]*b[2] - a[3]*b[3],
		a[0]*b[1] + a[1]*b[0] + a[2]*b[3] - a[3]*b[2],
		a[0]*b[2] - a[1]*b[3] + a[2]*b[0] + a[3]*b[1],
		a[0]*b[3] + a[1]*b[2] - a[2]*b[1] + a[3]*b[0],
	}
}

// Normalize scales q to unit length. A zero quaternion becomes identity.
func Normalize(q [4]float64) [4]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n < 1e-12 {
		return [4]float64{1, 0, 0, 0}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Conj is the inverse of a unit quaternion.
func Conj(q [4]float64) [4]float64 {
	return [4]float64{q[0], -q[1], -q[2], -q[3]}
}

// Rotate applies q to v.
func Rotate(q [4]float64, v [3]float64) [3]float64 {
	r := Mul(Mul(q, [4]float64{0, v[0], v[1], v[2]}), Conj(q))
	return [3]float64{r[1], r[2], r[3]}
}
