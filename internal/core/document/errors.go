package document

import "errors"

var (
	// ErrStorageFailure is returned when a local command could not be made
	// durable. Nothing was applied and the command may be retried.
	ErrStorageFailure = errors.New("storage failure")
	ErrEmptyName      = errors.New("empty name")
	// ErrOperationTooLarge is returned when a command would produce an
	// operation too big to ever reach a peer.
	ErrOperationTooLarge = errors.New("operation too large")
)
