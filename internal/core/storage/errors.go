package storage

import "errors"

var (
	ErrClosed = errors.New("store is closed")
	// ErrFailed is returned by Append once a failed batch could not be
	// removed from the log. Reopen the store to recover.
	ErrFailed = errors.New("store failed")
	// ErrCorruptSnapshot is returned by Load when the snapshot fails its
	// checksum. Unlike a torn log tail it cannot be repaired by truncation.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrInjected is the default failure of a MemoryStore set to fail.
	ErrInjected = errors.New("injected storage failure")
)
