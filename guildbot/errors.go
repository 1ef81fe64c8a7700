package guildbot

import (
	"errors"
	"fmt"
)

// ValidationError indicates a request that was rejected before any state
// changed. The message is safe to relay to the requesting user.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func newValidationError(format string, args ...any) ValidationError {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError is returned by transfers where the sender's
// balance cannot cover the requested amount. No balances are changed.
type InsufficientFundsError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"insufficient funds: user %s has %d, requested %d",
		e.UserID,
		e.Balance,
		e.Requested,
	)
}

// LoadError wraps a failure to compile or initialize a cog in the
// interpreter. The lifecycle manager rolls the submission back to its
// prior state when it sees one.
type LoadError struct {
	ModuleName string
	Err        error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("error loading cog %s: %v", e.ModuleName, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// NotificationError wraps a failed best-effort user notification (DM or
// channel message). Callers log these and continue; they never abort the
// operation that triggered the notification.
type NotificationError struct {
	UserID string
	Err    error
}

func (e NotificationError) Error() string {
	return fmt.Sprintf("error notifying user %s: %v", e.UserID, e.Err)
}

func (e NotificationError) Unwrap() error {
	return e.Err
}

var (
	// ErrSubmissionNotFound is returned by approve/reject when no pending
	// submission matches the given ID.
	ErrSubmissionNotFound = errors.New("no pending submission with that ID")

	// ErrCogNotLoaded is returned when unloading a cog that is not in the
	// registry.
	ErrCogNotLoaded = errors.New("cog not loaded")
)
