package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/notesync/internal/core/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var _ protocol.Conn = (*Connection)(nil)

// Connection carries one frame per binary WebSocket message
type Connection struct {
	id     string
	conn   *websocket.Conn
	config protocol.Config
	closed atomic.Bool

	// Metrics
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

// NewConnection wraps an established WebSocket connection
func NewConnection(conn *websocket.Conn, config protocol.Config) *Connection {
	conn.SetReadLimit(int64(config.FrameLimit()) + protocol.HeaderSize)
	return &Connection{
		id:     uuid.New().String(),
		conn:   conn,
		config: config,
	}
}

// Dial opens a sync connection to a ws:// or wss:// url
func Dial(ctx context.Context, url string, config protocol.Config) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewConnection(conn, config), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a sync connection
func Upgrade(w http.ResponseWriter, r *http.Request, config protocol.Config) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade connection")
	}
	return NewConnection(conn, config), nil
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send sends one framed payload
func (c *Connection) Send(data []byte) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	return protocol.WithFrame(data, func(frame []byte) error {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return errors.Wrap(err, "failed to write message")
		}
		c.bytesSent.Add(uint64(len(frame)))
		return nil
	})
}

// Receive reads the next frame and verifies its checksum
func (c *Connection) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, protocol.ErrConnectionClosed
	}

	// Set read deadline
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.Wrapf(protocol.ErrMalformedRecord, "unexpected message type %d", messageType)
	}
	c.bytesReceived.Add(uint64(len(data)))

	payload, n, err := protocol.DecodeFrame(data, c.config.FrameLimit())
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.Wrapf(protocol.ErrMalformedRecord, "%d trailing bytes", len(data)-n)
	}
	return payload, nil
}

// BytesSent reports the framed bytes written so far
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived reports the framed bytes read so far
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// IsClosed checks if the connection is closed
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close sends a close frame and closes the connection
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
