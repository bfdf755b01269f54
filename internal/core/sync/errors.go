package sync

import "errors"

var (
	// ErrPeerUnreachable wraps dial failures. Dialled peers are retried with
	// backoff, so it is never fatal.
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrNotRunning      = errors.New("sync engine is not running")
	ErrAlreadyRunning  = errors.New("sync engine is already running")
	// ErrProtocolViolation is returned when a peer sends something out of turn.
	ErrProtocolViolation = errors.New("protocol violation")
)
