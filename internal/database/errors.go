package database

import "errors"

// ErrEmptyScope is returned when an operation receives an empty scope id.
var ErrEmptyScope = errors.New("scope id must not be empty")
