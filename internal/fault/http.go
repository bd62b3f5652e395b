package fault

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// FromTransport maps a connection-level failure onto the taxonomy. Timeouts
// stay retryable; a caller-initiated cancellation must not be retried.
func FromTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return Errorf(KindCanceled, "request canceled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(KindTransient, "request timed out: %w", err)
	}
	return Errorf(KindTransient, "request failed: %w", err)
}

// FromStatus maps a non-2xx response onto the taxonomy. Returns nil for
// success statuses.
func FromStatus(status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Errorf(KindAuth, "service rejected credentials: status %d: %s", status, Snippet(body))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Errorf(KindTransient, "service unavailable: status %d: %s", status, Snippet(body))
	default:
		return Errorf(KindInvalidResponse, "service rejected request: status %d: %s", status, Snippet(body))
	}
}

// Snippet trims a response body down to something safe to put in an error.
func Snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
