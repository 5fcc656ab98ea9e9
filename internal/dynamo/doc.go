// Package dynamo holds the numeric primitives of the reference dynamics
// backend: state and control vectors, the ODE system and integrator
// interfaces, and a chunked parallel loop for stepping many instances.
//
// A joint or body model implements [System] (dX/dt = f(X, u, t)); an
// [Integrator] advances it by one step; a [Controller] turns a state into
// actuation. Models that conserve energy also implement [Hamiltonian].
package dynamo
