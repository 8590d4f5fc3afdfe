package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrConflict is returned when the stored record changed since it was read.
	ErrConflict = errors.New("store: record changed concurrently")

	// ErrNotFound is returned when deleting a record that does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("store: corrupt record")
)
