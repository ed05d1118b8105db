// Package apperr defines the error kinds shared by the planner, the diff engine
// and the remote calendar adapters.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAmbiguousRecurrence matches every RecurrenceWarning.
var ErrAmbiguousRecurrence = errors.New("ambiguous recurrence")

// ConfigError reports a bad plan document, source or flag. It is raised before
// any remote call is made.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// RemoteUnavailableError reports that the remote calendar could not be reached
// or refused our credentials.
type RemoteUnavailableError struct {
	Op  string
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("remote calendar unavailable during %s: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// MutationError reports a failed create or delete of a single item.
// Log carries the lines accumulated up to the failure.
type MutationError struct {
	Op     string
	Target string
	Err    error
	Log    []string
}

func (e *MutationError) Error() string {
	msg := fmt.Sprintf("failed to %s %q: %v", e.Op, e.Target, e.Err)
	if len(e.Log) > 0 {
		msg += "\n" + strings.Join(e.Log, "\n")
	}
	return msg
}

func (e *MutationError) Unwrap() error { return e.Err }

// RecurrenceWarning explains why a recurring event expands to nothing.
type RecurrenceWarning struct {
	Subject string
	Reason  string
}

func (w *RecurrenceWarning) Error() string {
	return fmt.Sprintf("recurring event %q yields no occurrences: %s", w.Subject, w.Reason)
}

func (w *RecurrenceWarning) Is(target error) bool { return target == ErrAmbiguousRecurrence }

// IsRemoteUnavailable reports whether err wraps a RemoteUnavailableError.
func IsRemoteUnavailable(err error) bool {
	var target *RemoteUnavailableError
	return errors.As(err, &target)
}

// IsConfig reports whether err wraps a ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
