package schema

import (
	"sort"
	"sync"
)

// builtin arities shared by every connector.
var builtin = map[string]int{
	"position":                   3,
	"quaternion":                 4,
	"relative_velocity":          6,
	"odometric_velocity":         6,
	"linear_velocity":            3,
	"angular_velocity":           3,
	"force":                      3,
	"torque":                     3,
	"mass":                       1,
	"inertia":                    3,
	"scalar":                     1,
	"rgb":                        3,
	"joint_rvalue":               1,
	"joint_tvalue":               1,
	"joint_linear_velocity":      1,
	"joint_angular_velocity":     1,
	"joint_force":                1,
	"joint_torque":               1,
	"joint_position":             3,
	"joint_quaternion":           4,
	"cmd_joint_rvalue":           1,
	"cmd_joint_tvalue":           1,
	"cmd_joint_linear_velocity":  1,
	"cmd_joint_angular_velocity": 1,
	"cmd_joint_force":            1,
	"cmd_joint_torque":           1,
}

// Schema maps attribute names to arities. The zero value is not usable;
// construct with New or Default.
type Schema struct {
	mu      sync.RWMutex
	arities map[string]int
}

var (
	defaultOnce   sync.Once
	defaultSchema *Schema
)

// New returns a schema holding only the built-in attributes.
func New() *Schema {
	s := &Schema{arities: make(map[string]int, len(builtin))}
	for name, n := range builtin {
		s.arities[name] = n
	}
	return s
}

// Default returns the process-wide schema with the built-in attributes.
func Default() *Schema {
	defaultOnce.Do(func() { defaultSchema = New() })
	return defaultSchema
}

// Arity reports the number of components carried by an attribute.
func (s *Schema) Arity(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.arities[name]
	return n, ok
}

// Register adds an attribute. Registering an existing name with a different
// arity is a mismatch.
func (s *Schema) Register(name string, arity int) error {
	if name == "" || arity < 1 {
		return &MismatchError{Attribute: name, Got: arity, Wrapped: ErrSchemaMismatch}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.arities[name]; ok && n != arity {
		return &MismatchError{Attribute: name, Want: n, Got: arity, Wrapped: ErrSchemaMismatch}
	}
	s.arities[name] = arity
	return nil
}

// Check verifies that values carry the arity of the attribute.
func (s *Schema) Check(object, attribute string, values []float64) error {
	n, ok := s.Arity(attribute)
	if !ok {
		return &MismatchError{Object: object, Attribute: attribute, Wrapped: ErrUnknownAttribute}
	}
	if len(values) != n {
		return &MismatchError{Object: object, Attribute: attribute, Want: n, Got: len(values), Wrapped: ErrSchemaMismatch}
	}
	return nil
}

// Names lists the registered attributes in lexical order.
func (s *Schema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.arities))
	for name := range s.arities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultValue is the value an attribute takes before any data arrives.
// Quaternions start at identity, everything else at zero.
func DefaultValue(attribute string, arity int) []float64 {
	v := make([]float64, arity)
	if (attribute == "quaternion" || attribute == "joint_quaternion") && arity == 4 {
		v[0] = 1
	}
	return v
}
