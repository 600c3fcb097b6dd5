package types

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. None of these is fatal to the engine as a
// whole; each maps to a documented degradation path.
var (
	// ErrInputValidation marks a malformed log entry rejected before extraction
	ErrInputValidation = errors.New("input validation failed")

	// ErrInsufficientHistory marks a user with fewer than the minimum
	// completed cycles; the request degrades to the population baseline
	ErrInsufficientHistory = errors.New("insufficient cycle history")

	// ErrModelUnavailable marks an adapter timeout or crash; the model is
	// excluded and weights renormalize over the survivors
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrCalibrationMissing marks a prediction type with no fitted
	// calibration; the result is flagged uncalibrated instead
	ErrCalibrationMissing = errors.New("calibration data missing")

	// ErrPersistence marks a storage collaborator failure after retries
	ErrPersistence = errors.New("persistence failure")

	// ErrCorruptWeights marks undecodable per-user weight state; the user
	// is reset to default weights and an incident is recorded
	ErrCorruptWeights = errors.New("corrupt ensemble weights")

	// ErrNotFound marks a lookup miss (unknown prediction ID, unknown user)
	ErrNotFound = errors.New("not found")
)

// ValidationError wraps ErrInputValidation with the offending field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInputValidation }
