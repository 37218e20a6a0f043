// SPDX-License-Identifier: MIT

// Package errs holds the error taxonomy shared by the capture and analysis
// stages. Setup-time failures are returned to callers; steady-state failures
// are absorbed and only surface through logs and metrics.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad configuration parameters. Nothing is mutated.
	ErrValidation = errors.New("validation error")
	// ErrDeviceUnavailable marks a missing, lost, or unopenable capture device.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrResourceExhausted marks pool or queue pressure. Handled by dropping.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrProcessingFault marks an unexpected failure inside one analysis frame.
	ErrProcessingFault = errors.New("processing fault")
)

// ValidationError describes a single rejected configuration field.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for building a ValidationError.
func Invalid(field string, value any, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ProcessingFault wraps a recovered per-frame failure with buffer diagnostics.
type ProcessingFault struct {
	Cause       any
	Diagnostics string
}

func (e *ProcessingFault) Error() string {
	return fmt.Sprintf("processing fault: %v [%s]", e.Cause, e.Diagnostics)
}

// Is lets errors.Is(err, ErrProcessingFault) match.
func (e *ProcessingFault) Is(target error) bool {
	return target == ErrProcessingFault
}

// Unwrap exposes the cause when the recovered value was itself an error.
func (e *ProcessingFault) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// DeviceUnavailable wraps cause so that errors.Is(err, ErrDeviceUnavailable) holds.
func DeviceUnavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, fmt.Sprintf(format, args...))
}
