// Package errors provides the error taxonomy shared by the fetch and scan layers.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("operation timed out")
	ErrFatal              = errors.New("fatal upstream error")
	ErrMalformedData      = errors.New("malformed data")
	ErrNonConvergent      = errors.New("solver did not converge")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDataNotFound       = errors.New("data not found")
	ErrInstrumentDisabled = errors.New("instrument disabled until re-authentication")
)

// Kind is the retry class of an error.
type Kind string

const (
	KindRateLimited   Kind = "RATE_LIMITED"
	KindTimeout       Kind = "TIMEOUT"
	KindFatal         Kind = "FATAL"
	KindMalformedData Kind = "MALFORMED_DATA"
	KindOther         Kind = "OTHER"
)

// Classify maps any error onto the retry taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrFatal), errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionExpired):
		return KindFatal
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMalformedData):
		return KindMalformedData
	}

	// Upstream messages that never carry a typed error.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid session"),
		strings.Contains(msg, "invalid `api_key` or `access_token`"),
		strings.Contains(msg, "insufficient permission"):
		return KindFatal
	case strings.Contains(msg, "too many requests"):
		return KindRateLimited
	}
	return KindOther
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FetchError is returned by the fetcher once its retry budget is spent
// or when the upstream failure is fatal.
type FetchError struct {
	Operation string
	Key       string
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failure [%s] %s after %d attempt(s): %v", e.Operation, e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(operation, key string, attempts int, err error) *FetchError {
	return &FetchError{
		Operation: operation,
		Key:       key,
		Attempts:  attempts,
		Err:       err,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Malformed returns a DataError that classifies as malformed data.
func Malformed(dataType, symbol, message string) *DataError {
	return NewDataError(dataType, symbol, message, ErrMalformedData)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
