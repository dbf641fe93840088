// Package apperrors provides the orchestrator's error-kind taxonomy.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of scheduler/facade propagation
// decisions, not for HTTP transport (this core has no HTTP surface).
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindCapacityDenied    Kind = "CAPACITY_DENIED"
	KindAgentTransient    Kind = "AGENT_TRANSIENT"
	KindAgentFatal        Kind = "AGENT_FATAL"
	KindStoreUnavailable  Kind = "STORE_UNAVAILABLE"
	KindShutdownExceeded  Kind = "SHUTDOWN_EXCEEDED"
)

// AppError carries a Kind, a human message, and an optional wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

func Validation(field, message string) *AppError {
	return newErr(KindValidation, fmt.Sprintf("field %q: %s", field, message))
}

func IllegalTransition(message string) *AppError {
	return newErr(KindIllegalTransition, message)
}

func CapacityDenied(reason string) *AppError {
	return newErr(KindCapacityDenied, reason)
}

func AgentTransient(message string, err error) *AppError {
	return &AppError{Kind: KindAgentTransient, Message: message, Err: err}
}

func AgentFatal(message string, err error) *AppError {
	return &AppError{Kind: KindAgentFatal, Message: message, Err: err}
}

func StoreUnavailable(message string, err error) *AppError {
	return &AppError{Kind: KindStoreUnavailable, Message: message, Err: err}
}

func ShutdownExceeded(message string) *AppError {
	return newErr(KindShutdownExceeded, message)
}

// Wrap preserves an inner AppError's kind when re-wrapping; otherwise it
// wraps as KindStoreUnavailable, the closest analogue of "internal error"
// for a component with no generic internal-error kind of its own.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}
	return &AppError{Kind: KindStoreUnavailable, Message: message, Err: err}
}

func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

func IsValidation(err error) bool        { return Is(err, KindValidation) }
func IsIllegalTransition(err error) bool { return Is(err, KindIllegalTransition) }
func IsCapacityDenied(err error) bool    { return Is(err, KindCapacityDenied) }
func IsAgentTransient(err error) bool    { return Is(err, KindAgentTransient) }
func IsAgentFatal(err error) bool        { return Is(err, KindAgentFatal) }
func IsStoreUnavailable(err error) bool  { return Is(err, KindStoreUnavailable) }
func IsShutdownExceeded(err error) bool  { return Is(err, KindShutdownExceeded) }

// KindOf returns the Kind of err if it is an AppError, or "" otherwise.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
