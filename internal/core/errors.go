package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation_failed")
	ErrNotFound          = errors.New("not_found")
	ErrPrecondition      = errors.New("precondition_failed")
	ErrConflict          = errors.New("conflict")
	ErrOracleUnavailable = errors.New("oracle_unavailable")
)

const (
	ReasonRequired          = "required"
	ReasonPastDate          = "past_date"
	ReasonInvalidStrategy   = "invalid_strategy"
	ReasonInvalidOracleTime = "invalid_oracle_time"
	ReasonTooLong           = "too_long"
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PastDate is returned when a requested delivery time is not strictly in the future.
func PastDate(field string) error { return invalid(field, ReasonPastDate) }

// InvalidOracleTime is returned when the oracle recommends a time that is not in the future.
func InvalidOracleTime() error { return invalid("scheduled_for", ReasonInvalidOracleTime) }
