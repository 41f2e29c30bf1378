package models

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors shared across the engine.
var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotFound            = errors.New("not found")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrDuplicateDelivery   = errors.New("duplicate webhook delivery")
	ErrDuplicateSubmission = errors.New("duplicate job submission")
)

// RetryableError marks an execution failure as transient so the lifecycle
// manager schedules a backoff retry instead of failing the job.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryablef wraps a formatted error as retryable.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// retryableFragments cover the gateway failure modes worth retrying when an
// executor did not classify the error explicitly.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"service unavailable",
	"gateway unavailable",
	"bad gateway",
	"429",
	"502",
	"503",
	"504",
}

// Retryable classifies an execution error. Explicit RetryableError wrappers
// and net timeouts win; otherwise the message is matched against known
// transient gateway signals. Anything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
