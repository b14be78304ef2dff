package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness rule is violated,
// e.g. a duplicate tag name or synonym edge.
var ErrDuplicate = errors.New("storage: duplicate")
