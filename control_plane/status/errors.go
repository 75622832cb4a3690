package status

import "errors"

var (
	// ErrNotFound is returned when no registration or session matches.
	ErrNotFound = errors.New("client or run session not found")
	// ErrUnauthorized is returned when the client secret does not verify.
	ErrUnauthorized = errors.New("client secret is invalid")
	// ErrMissingRunSession rejects heartbeats without a run session id.
	ErrMissingRunSession = errors.New("run session id is required")
)
