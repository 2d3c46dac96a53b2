package llm

import (
	"fmt"
	"net/http"
)

// APIError wraps a non-2xx HTTP response from a provider's chat API,
// carrying the status code so callers can classify retryable versus
// terminal failures without parsing error strings.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the error represents a transient failure
// worth retrying against the same or a fallback provider: rate limits
// (429) and server errors (5xx).
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
