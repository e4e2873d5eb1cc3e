package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid execution")
)
