package hcs

import (
	"errors"
	"fmt"
)

// ErrDuplicateProposalExecution marks an attempt to execute an already executed
// proposal. Callers treat it as a no-op.
var ErrDuplicateProposalExecution = errors.New("proposal already executed")

// Retryable is implemented by errors that carry a retry hint for callers.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports the retry hint of err, false when none is present.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// LookupError means the authorization requirement of a topic could not be determined.
type LookupError struct {
	TopicID string
	Err     error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("topic %s: lookup failed: %v", e.TopicID, e.Err)
}

func (e *LookupError) Unwrap() error   { return e.Err }
func (e *LookupError) Retryable() bool { return true }

// AuthorizationRejectedError means the log refused a write for missing or wrong
// co-signature, or no local credential matched the topic key. It is a configuration
// fault and is never retried automatically.
type AuthorizationRejectedError struct {
	TopicID       string
	TransactionID string
	Status        Status
	Err           error
}

func (e *AuthorizationRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("topic %s: authorization rejected: %v", e.TopicID, e.Err)
	}
	return fmt.Sprintf("topic %s: authorization rejected (tx %s, status %s)", e.TopicID, e.TransactionID, e.Status)
}

func (e *AuthorizationRejectedError) Unwrap() error   { return e.Err }
func (e *AuthorizationRejectedError) Retryable() bool { return false }

// RejectedError is any non-authorization rejection reported in a receipt.
type RejectedError struct {
	TopicID       string
	TransactionID string
	Status        Status
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("topic %s: write rejected (tx %s, status %s)", e.TopicID, e.TransactionID, e.Status)
}

func (e *RejectedError) Retryable() bool { return e.Status == StatusBusy }

// TransportError is a network failure on a subscription, poll or submission.
type TransportError struct {
	Op      string
	TopicID string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Op, e.TopicID, e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Retryable() bool { return true }

// MalformedEnvelopeError means a payload does not parse as an Envelope.
type MalformedEnvelopeError struct {
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed envelope: " + e.Reason
}

func (e *MalformedEnvelopeError) Unwrap() error   { return e.Err }
func (e *MalformedEnvelopeError) Retryable() bool { return false }
