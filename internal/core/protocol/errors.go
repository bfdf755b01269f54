package protocol

import "errors"

// Framing errors
var (
	// ErrMalformedRecord marks a frame or payload that cannot be decoded.
	ErrMalformedRecord  = errors.New("malformed record")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFrameTooLarge    = errors.New("frame too large")
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidMessage   = errors.New("invalid message")
)
