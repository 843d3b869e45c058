package types

import "errors"

var (
	// ErrScopeNotFound is returned by storage backends when no config exists for a scope yet.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrReservedScope is returned when trying to configure the global aggregate scope.
	ErrReservedScope = errors.New("scope id is reserved")
	// ErrInvalidTimeout is returned for timeouts outside 0 to MaxTimeoutMinutes.
	ErrInvalidTimeout = errors.New("timeout minutes out of range")
)

// ErrSessionNotFound is returned for unknown, expired or already consumed feedback sessions.
var ErrSessionNotFound = errors.New("feedback session not found")
