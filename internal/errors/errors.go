package errors

import (
	"errors"
)

// Sentinel errors for the call gateway taxonomy. They surface to API callers
// as Result.Code values, never as panics.
var (
	// ErrCallNotFound - operation referenced an unknown or already terminal call
	ErrCallNotFound = errors.New("call not found")

	// ErrCallNotConnected - operation needs a provider call leg that does not exist yet
	ErrCallNotConnected = errors.New("call not connected")

	// ErrCallEnded - a pending wait was invalidated by call termination
	ErrCallEnded = errors.New("call ended")

	// ErrTimeout - a transcript wait exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrConcurrencyLimitExceeded - admission denied by capacity policy
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")

	// ErrProvider - the provider adapter call failed
	ErrProvider = errors.New("provider error")

	// ErrPersistenceCorruption - a log line failed to parse (recovered locally, never surfaced)
	ErrPersistenceCorruption = errors.New("persistence corruption")

	// ErrTranscriptWaitPending - a transcript wait is already registered for the call
	ErrTranscriptWaitPending = errors.New("transcript wait already pending")

	// ErrInvalidInput - caller supplied unusable arguments
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized - webhook signature or credentials rejected
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal - anything else
	ErrInternal = errors.New("internal error")
)
