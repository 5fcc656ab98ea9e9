// Package physics holds the joint and body models of the reference backend.
//
// Each model implements [dynamo.System]:
//
//   - [Revolute]: a pendulum link about a hinge, state [theta, omega]
//   - [Prismatic]: a damped spring slider, state [x, v]
//   - [FreeBody]: translation of an unconstrained body, state [p, v]
//
// Joints also implement [dynamo.Hamiltonian] and [dynamo.Configurable].
// Orientation of free bodies is advanced outside the integrator with
// [FreeBody.Spin] and [Integrate].
package physics

const (
	DefaultMass    = 1.0
	DefaultGravity = 9.81
)
