package capability

import (
	"errors"
	"fmt"
)

// Argument resolution errors. They are wrapped with the capability and
// parameter name; compare with errors.Is.
var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrMissingParameter = errors.New("missing required parameter")
	ErrTooManyArguments = errors.New("too many arguments")
	ErrMixedArguments   = errors.New("mixed positional and keyword arguments")
)

// ErrNotRegistered is returned when a call names a capability that is
// not in the registry.
type ErrNotRegistered struct {
	Name string
}

// Error implements the error interface.
func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Name)
}

// RegistrationError reports an invalid descriptor.
type RegistrationError struct {
	Name   string
	Reason string
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register capability %q: %s", e.Name, e.Reason)
}

// PanicError wraps a panic recovered from a handler.
type PanicError struct {
	Capability string
	Value      any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("capability %s panicked: %v", e.Capability, e.Value)
}
