// Package apperr defines the error kinds shared by the poll core and its gateways.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request (bad question, options or duration).
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a reference to a poll or student that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVote marks a second vote by the same student in the same poll.
	ErrDuplicateVote = errors.New("student has already answered this poll")
	// ErrForbidden marks an action the caller's teacher token does not cover,
	// or a vote from a removed student.
	ErrForbidden = errors.New("forbidden")
	// ErrStorage marks a failed persistence operation.
	ErrStorage = errors.New("storage error")
)

// Validation returns an ErrValidation with a message.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// NotFound returns an ErrNotFound naming what was missing.
func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// Forbidden returns an ErrForbidden with a message.
func Forbidden(msg string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, msg)
}

// Storage wraps a persistence error so it classifies as ErrStorage while
// keeping the cause reachable through errors.Is / errors.As.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// IsClientError reports whether err was caused by the request rather than the server.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateVote) || errors.Is(err, ErrForbidden)
}

// Message returns a client-safe message for err. Storage failures and
// unclassified errors are not described in detail.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case IsClientError(err):
		return err.Error()
	default:
		return "internal error"
	}
}
