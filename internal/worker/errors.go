package worker

import (
	"context"
	"errors"

	"outreach-orchestrator/internal/clients"
)

// Processor failures are classified at the pool boundary: transient failures
// are retried with backoff, terminal failures burn the job immediately no
// matter how many attempts remain.

type failureKind int

const (
	kindTransient failureKind = iota
	kindTerminal
)

type classifiedError struct {
	kind failureKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kindTransient, err: err}
}

// Terminal marks an error as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kindTerminal, err: err}
}

// IsTerminal reports whether the failure should not be retried. Unclassified
// errors default to transient: retrying an idempotent handler is safe,
// dropping recoverable work is not. Provider responses are classified by
// status (429/5xx retryable), missing prospects and explicit Terminal wraps
// are final, timeouts are transient.
func IsTerminal(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind == kindTerminal
	}
	var pe *clients.ProviderError
	if errors.As(err, &pe) {
		return !pe.Retryable()
	}
	if errors.Is(err, clients.ErrProspectNotFound) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return false
}
