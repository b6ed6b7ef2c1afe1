package orchestrator

import (
	"context"
	"errors"

	"github.com/shao3d/experts-panel/pkg/llm"
)

// ErrorType labels a query failure for the API layer and progress events.
type ErrorType string

const (
	ErrInvalidInput       ErrorType = "invalid_input"
	ErrQuotaExhausted     ErrorType = "quota_exhausted"
	ErrBadJSON            ErrorType = "bad_json"
	ErrDeadline           ErrorType = "deadline"
	ErrExpertFailure      ErrorType = "expert_failure"
	ErrNoExpertsAvailable ErrorType = "no_experts_available"
	ErrInternal           ErrorType = "internal"
)

// QueryError pairs an internal error with the message users may see.
// User-visible payloads never include stack traces or wrapped detail —
// the request id correlates with logs instead.
type QueryError struct {
	Type        ErrorType
	UserMessage string
	Err         error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return string(e.Type) + ": " + e.Err.Error()
	}
	return string(e.Type)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError builds a QueryError with the canonical user message for
// its type.
func NewQueryError(t ErrorType, err error) *QueryError {
	return &QueryError{Type: t, UserMessage: userMessage(t), Err: err}
}

func userMessage(t ErrorType) string {
	switch t {
	case ErrInvalidInput:
		return "bad request"
	case ErrQuotaExhausted:
		return "temporarily unavailable"
	case ErrBadJSON:
		return "model returned malformed output"
	case ErrDeadline:
		return "request took too long"
	case ErrExpertFailure:
		return "partial results"
	case ErrNoExpertsAvailable:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

// classifyPipelineError maps a failed expert pipeline to a QueryError.
func classifyPipelineError(err error) *QueryError {
	switch {
	case errors.Is(err, llm.ErrQuotaExhausted):
		return NewQueryError(ErrQuotaExhausted, err)
	case errors.Is(err, llm.ErrBadJSON):
		return NewQueryError(ErrBadJSON, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewQueryError(ErrDeadline, err)
	default:
		return NewQueryError(ErrExpertFailure, err)
	}
}
