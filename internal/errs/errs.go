// Package errs holds the sentinel errors shared across the session server.
// Callers match them with errors.Is; wrapping adds context.
package errs

import "errors"

var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrRateLimited       = errors.New("rate limited")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrHubClosed         = errors.New("hub closed")
)

// Reason returns a short label for err, used in logs and metric labels.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrHubClosed):
		return "hub_closed"
	default:
		return "internal"
	}
}
