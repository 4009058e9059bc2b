package service

import "errors"

var (
	// ErrValidation wraps malformed input: bad profiles, events, ids.
	ErrValidation = errors.New("validation failed")
	// ErrStorage wraps failures of a store the operation cannot proceed without.
	ErrStorage  = errors.New("storage unavailable")
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned by optional features whose backend is disabled.
	ErrUnavailable = errors.New("feature unavailable")
)
