package protocol

import "time"

// DefaultMaxFrameSize bounds a single frame payload
const DefaultMaxFrameSize = 16 << 20

// MessageOverhead is the room reserved in a frame for the message envelope
// around its operations
const MessageOverhead = 4 << 10

// Config holds per-connection transport settings
type Config struct {
	MaxFrameSize uint32
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns settings suitable for long-lived sync sessions.
// Reads do not time out because an idle session only hears anti-entropy hellos.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: DefaultMaxFrameSize,
		WriteTimeout: 10 * time.Second,
	}
}

// FrameLimit returns MaxFrameSize, falling back to DefaultMaxFrameSize
func (c Config) FrameLimit() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// OpsBudget is how many encoded operation bytes fit in one ops message
func (c Config) OpsBudget() int {
	return int(c.FrameLimit()) - MessageOverhead
}
