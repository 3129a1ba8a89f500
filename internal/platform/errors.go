package platform

import "errors"

var (
	// ErrUnauthorized is returned when the upstream rejects the access
	// token. The executor consumes it to drive the renew-and-retry path.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthenticationFailed is returned when a retry after a forced
	// renewal is rejected again. Callers must not retry further.
	ErrAuthenticationFailed = errors.New("authentication_failed")

	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrUpstream          = errors.New("upstream_error")
)
