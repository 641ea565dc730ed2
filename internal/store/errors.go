package store

import "errors"

// ErrNotFound indicates a missing record or an expired cache entry.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness violation, such as a reused push channel id.
var ErrConflict = errors.New("record conflicts with existing data")
