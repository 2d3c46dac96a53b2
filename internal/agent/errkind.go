package agent

import (
	"context"
	"errors"
	"net"

	"github.com/nugget/aegis/internal/llm"
	"github.com/nugget/aegis/internal/usage"
)

// ErrorKind classifies an LLM call failure for retry/fallback
// decisions in the Director's iteration loop.
type ErrorKind string

const (
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindParse     ErrorKind = "parse"
	ErrorKindBudget    ErrorKind = "budget"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindUnknown   ErrorKind = "unknown"
)

// ClassifyLLMError inspects an error returned from PlanCaller.CallPlan
// and reports which failure category it belongs to.
func ClassifyLLMError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindCancelled
	}
	if errors.Is(err, usage.ErrOverCap) {
		return ErrorKindBudget
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return ErrorKindAuth
		case apiErr.StatusCode == 429:
			return ErrorKindRateLimit
		case apiErr.StatusCode >= 500:
			return ErrorKindNetwork
		}
		return ErrorKindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindNetwork
	}

	return ErrorKindUnknown
}

// Retryable reports whether the Director should fall through to the
// next provider in the tier ladder rather than abandoning the
// iteration outright.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindRateLimit || k == ErrorKindNetwork
}
