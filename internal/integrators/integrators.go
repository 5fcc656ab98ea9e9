// Package integrators advances a dynamo.System by one fixed step.
//
// Integrators keep scratch space between calls and are not safe for
// concurrent use; build one per stepped element with New.
package integrators

import (
	"errors"
	"fmt"
	"sort"

	"github.com/san-kum/dynsync/internal/dynamo"
)

// ErrUnknown is returned by New for an unregistered name.
var ErrUnknown = errors.New("integrators: unknown integrator")

// Default is the integrator used when a scene names none.
const Default = "rk4"

var factories = map[string]func() dynamo.Integrator{
	"euler":    func() dynamo.Integrator { return NewEuler() },
	"rk4":      func() dynamo.Integrator { return NewRK4() },
	"verlet":   func() dynamo.Integrator { return NewVerlet() },
	"leapfrog": func() dynamo.Integrator { return NewLeapfrog() },
}

// New builds a fresh integrator by name. An empty name selects Default.
func New(name string) (dynamo.Integrator, error) {
	if name == "" {
		name = Default
	}
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return f(), nil
}

// Names lists the registered integrators.
func Names() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Symplectic reports whether the named integrator expects a state laid out
// as [positions..., velocities...].
func Symplectic(name string) bool {
	return name == "verlet" || name == "leapfrog"
}
