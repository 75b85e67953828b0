package mw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByIP returns a middleware that rate limits by IP address.
// This is a transport-level DoS guard, applied ahead of per-credential
// balance checks. It is deliberately not tier- or identity-aware: the
// ledger has no concept of a global request quota, only balance
// exhaustion per credential.
func RateLimitByIP(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// RateLimitGlobal returns a middleware that applies a single shared rate
// limit across all callers, regardless of origin. Useful as a last-resort
// cap ahead of the upstream multiplexer during an incident.
func RateLimitGlobal(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "global", nil
		}),
	)
}
