package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is a bidirectional, message-oriented sync connection.
// Every payload travels inside one checksummed frame.
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send writes one payload. Safe for concurrent use.
	Send(data []byte) error
	// Receive blocks for the next payload. Only one goroutine may receive.
	Receive() ([]byte, error)
	IsClosed() bool
	Close() error
}

var _ Conn = (*StreamConn)(nil)

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamConn frames payloads over a byte stream such as a TCP connection,
// a QUIC stream or one end of net.Pipe.
type StreamConn struct {
	id      string
	rwc     io.ReadWriteCloser
	reader  *bufio.Reader
	remote  string
	config  Config
	closed  atomic.Bool
	onClose func() error

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewStreamConn wraps rwc. The remote address is taken from rwc when it exposes one.
func NewStreamConn(rwc io.ReadWriteCloser, config Config) *StreamConn {
	c := &StreamConn{
		id:     uuid.New().String(),
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
		config: config,
	}
	if addr, ok := rwc.(interface{ RemoteAddr() net.Addr }); ok && addr.RemoteAddr() != nil {
		c.remote = addr.RemoteAddr().String()
	}
	return c
}

// WithRemote overrides the reported remote address
func (c *StreamConn) WithRemote(addr string) *StreamConn {
	c.remote = addr
	return c
}

// OnClose registers a hook run once after the stream is closed
func (c *StreamConn) OnClose(fn func() error) *StreamConn {
	c.onClose = fn
	return c
}

func (c *StreamConn) ID() string {
	return c.id
}

func (c *StreamConn) RemoteAddr() string {
	return c.remote
}

func (c *StreamConn) Send(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.rwc.(deadliner); ok && c.config.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return WriteFrame(c.rwc, data)
}

func (c *StreamConn) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	if d, ok := c.rwc.(deadliner); ok && c.config.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
	return ReadFrame(c.reader, c.config.FrameLimit())
}

func (c *StreamConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *StreamConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.rwc.Close()
	if c.onClose != nil {
		if hookErr := c.onClose(); err == nil {
			err = hookErr
		}
	}
	return err
}
