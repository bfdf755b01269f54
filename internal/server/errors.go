package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidRequest       = errors.New("invalid request")
	errSlowConsumer         = errors.New("event stream consumer is too slow")
)
