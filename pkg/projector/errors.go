package projector

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeResolution marks a type name that resolves neither to the root
	// type nor to an entry of the schema's types.
	ErrTypeResolution = errors.New("type resolution error")

	// ErrAttributeMismatch marks a parsed structure that does not expose a
	// field the schema declares.
	ErrAttributeMismatch = errors.New("attribute mismatch")
)

// TypeError reports an unresolved type name.
type TypeError struct {
	Type string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: type %q is neither the root type nor declared in types", ErrTypeResolution, e.Type)
}

func (e *TypeError) Unwrap() error { return ErrTypeResolution }

// AttributeError reports a field that could not be read from a parsed structure.
type AttributeError struct {
	Type  string
	Field string
	Err   error
}

func (e *AttributeError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrAttributeMismatch) {
		return fmt.Sprintf("%s: %s.%s: %v", ErrAttributeMismatch, e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s has no attribute %q", ErrAttributeMismatch, e.Type, e.Field)
}

func (e *AttributeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAttributeMismatch}
	}
	return []error{ErrAttributeMismatch, e.Err}
}

// NoField builds the error a Struct implementation returns for an unknown id.
func NoField(id string) error {
	return fmt.Errorf("%w: no field %q", ErrAttributeMismatch, id)
}
