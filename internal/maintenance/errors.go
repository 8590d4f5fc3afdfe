package maintenance

import "errors"

var (
	// ErrInvalidSignal is returned when a signal violates the entity/reason invariant
	// or cannot be decoded.
	ErrInvalidSignal = errors.New("maintenance: invalid signal")

	// ErrUnknownReason is returned for an auto trigger reason outside the closed set.
	ErrUnknownReason = errors.New("maintenance: unknown auto trigger reason")

	// ErrInvalidEntry is returned when a history entry cannot be encoded or decoded.
	ErrInvalidEntry = errors.New("maintenance: invalid history entry")
)
