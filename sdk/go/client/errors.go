package client

import (
	"errors"
	"fmt"
)

// Client-specific errors
var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrUnavailable  = errors.New("server unavailable")
)

// APIError is a non-2xx answer from the server. It matches the sentinel
// errors above with errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notesync: %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == 404
	case ErrUnauthorized:
		return e.Status == 401
	case ErrBadRequest:
		return e.Status == 400
	case ErrUnavailable:
		return e.Status == 503
	}
	return false
}
