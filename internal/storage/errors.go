package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an append would violate a uniqueness rule.
var ErrDuplicate = errors.New("storage: duplicate")
