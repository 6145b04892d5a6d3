package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid search request")
	ErrTransport          = errors.New("unable to read results")
	ErrEmptyResult        = errors.New("search returned no results")
	ErrRemote             = errors.New("server reported an error")
	ErrUnknownTermination = errors.New("stream closed before any result")
	ErrStalled            = errors.New("stream idle timeout")
)

// ValidationError reports which request field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// WrapTransport classifies err as a transport failure.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// ErrorKind is the failure classification exposed to presentation layers.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindEmptyResult ErrorKind = "empty_result"
)

// ClassifyError maps a terminal cause to the kind surfaced in AggregateState.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrEmptyResult):
		return ErrorKindEmptyResult
	default:
		return ErrorKindTransport
	}
}
