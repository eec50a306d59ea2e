// Package apperr defines the failure taxonomy shared by the scheduling,
// execution and chat paths.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kinds reported by Kind.
const (
	KindConfiguration = "configuration"
	KindExecution     = "execution"
	KindTimeout       = "timeout"
	KindInternal      = "internal"
)

// ConfigurationError is fatal to the requesting call and never retried.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExecutionError wraps a failed agent-execution collaborator call.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a suspension point that exceeded its budget.
type TimeoutError struct {
	Budget string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s budget exceeded", e.Budget)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Config returns a ConfigurationError.
func Config(msg string, err error) error {
	return &ConfigurationError{Msg: msg, Err: err}
}

// Exec wraps err as an ExecutionError unless it already carries a taxonomy
// type, in which case it is returned unchanged.
func Exec(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) || IsConfiguration(err) {
		return err
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Op: op, Err: err}
}

// Timeout returns a TimeoutError for the named budget.
func Timeout(budget string, err error) error {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &TimeoutError{Budget: budget, Err: err}
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfiguration(err):
		return KindConfiguration
	case IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return KindExecution
	}
	return KindInternal
}
