package manager

import (
	cgErrors "github.com/harunnryd/callgate/internal/errors"
)

// Result is the uniform outcome of a public manager operation. Failures are
// carried here, never raised.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	// Err keeps the wrapped error for errors.Is checks.
	Err error `json:"-"`
}

type InitiateResult struct {
	Result
	CallID string `json:"callId,omitempty"`
}

type ContinueResult struct {
	Result
	Transcript string `json:"transcript,omitempty"`
}

func success() Result {
	return Result{Success: true}
}

func failure(err error) Result {
	return Result{
		Success: false,
		Error:   err.Error(),
		Code:    cgErrors.Category(err),
		Err:     err,
	}
}
