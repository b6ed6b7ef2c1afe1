package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/openai/openai-go/v2"
)

// ErrorKind determines how the gateway reacts to a failed call.
type ErrorKind int

const (
	// KindFatal — not recoverable within this call (bad request, auth,
	// context cancellation). Surfaced to the caller immediately.
	KindFatal ErrorKind = iota
	// KindTransient — transport error or 5xx; retry with backoff.
	KindTransient
	// KindRateLimit — 429 or provider quota code; rotate to the next key.
	KindRateLimit
)

// Classify maps a provider error to a recovery action.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	// A per-call deadline reads as transient: the next attempt gets a
	// fresh timeout. The outer request context is checked by the caller.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return KindRateLimit
		case apiErr.StatusCode >= 500:
			return KindTransient
		default:
			return KindFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return KindTransient
	}
	return KindFatal
}
