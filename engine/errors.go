package engine

import "errors"

// Typed error kinds for the control surface. The API layer maps these to
// status codes; background tasks dispatch them to the owning subsystem's
// cleanup handler instead of matching on message text.
var (
	// ErrNotFound is returned for unknown simulation ids.
	ErrNotFound = errors.New("simulation not found")

	// ErrInvalidState is returned when a control operation is illegal in
	// the current lifecycle state. State is never mutated on this path.
	ErrInvalidState = errors.New("invalid simulation state")

	// ErrInvalidMode is returned when a stress tool requires a TPS mode
	// the simulation is not in.
	ErrInvalidMode = errors.New("invalid_mode")

	// ErrValidation is returned for out-of-range parameters.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout is returned when a control operation misses the 2 s
	// control deadline.
	ErrTimeout = errors.New("control operation timed out")
)
