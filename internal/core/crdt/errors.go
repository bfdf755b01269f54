package crdt

import "errors"

var (
	// ErrInvalidReference is returned when a command names a company, board or
	// note that is not live on this replica.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrMalformedOperation marks a remote operation that cannot be applied.
	ErrMalformedOperation = errors.New("malformed operation")
	// ErrPositionConflict is returned when two different inserts claim one position.
	ErrPositionConflict = errors.New("position already taken")
)
