// Package errs contains sentinel and typed errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client and dev backend layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication (login, register or refresh rejected).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates a client-side shape check failed before any network call.
	ErrValidation = errors.New("validation failed")

	// ErrNotLoggedIn indicates an authenticated call was attempted without credentials.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrTransport indicates the realtime connection dropped.
	ErrTransport = errors.New("transport fault")

	// ErrBackfill indicates the historical fetch failed; callers treat it as non-fatal.
	ErrBackfill = errors.New("backfill failed")

	// ErrRelationship indicates a contact mutation was rejected.
	ErrRelationship = errors.New("relationship mutation failed")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")
)
