package server

import "errors"

// Error taxonomy for the request-handling path. Handlers map these onto
// status codes and the JSON error envelope. Auth failures stay
// indistinguishable from each other except for the expired/invalid split on
// bearer tokens, which clients need for refresh-and-retry.
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrTokenExpired      = errors.New("token expired")
	ErrForbidden         = errors.New("insufficient role")
	ErrInvalidState      = errors.New("oauth state invalid or expired")
	ErrExchangeFailed    = errors.New("upstream token exchange failed")
	ErrUpstream          = errors.New("upstream unreachable")
	ErrNoRoute           = errors.New("no matching route")
	ErrBadRequest        = errors.New("malformed request input")
	ErrSigningKeyUnknown = errors.New("signing key not found")
)
