package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch indicates an attribute name or arity conflict.
	ErrSchemaMismatch = errors.New("schema: attribute mismatch")

	// ErrUnknownAttribute indicates an attribute missing from the arity table.
	ErrUnknownAttribute = errors.New("schema: unknown attribute")
)

// MismatchError carries the object/attribute that violated the schema.
type MismatchError struct {
	Object    string
	Attribute string
	Want      int
	Got       int
	Wrapped   error
}

func (e *MismatchError) Error() string {
	switch {
	case e.Object == "":
		return fmt.Sprintf("%v: %s (arity %d, got %d)", e.Wrapped, e.Attribute, e.Want, e.Got)
	case e.Want == 0 && e.Got == 0:
		return fmt.Sprintf("%v: %s.%s", e.Wrapped, e.Object, e.Attribute)
	default:
		return fmt.Sprintf("%v: %s.%s (arity %d, got %d)", e.Wrapped, e.Object, e.Attribute, e.Want, e.Got)
	}
}

func (e *MismatchError) Unwrap() error {
	return e.Wrapped
}

// Is lets callers match every mismatch flavour against ErrSchemaMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}
