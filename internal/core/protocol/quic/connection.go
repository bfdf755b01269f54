package quic

import (
	"context"

	"github.com/zeusync/notesync/internal/core/protocol"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// Dial connects to a QUIC listener and opens the sync stream
func Dial(ctx context.Context, addr string, quicConfig Config, config protocol.Config) (protocol.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, quicConfig.clientTLS(), quicConfig.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "failed to open stream")
	}

	return newConnection(conn, stream, config), nil
}

// newConnection frames payloads on a single bidirectional stream. Closing it
// closes the whole QUIC connection.
func newConnection(conn *quic.Conn, stream *quic.Stream, config protocol.Config) protocol.Conn {
	return protocol.NewStreamConn(stream, config).
		WithRemote(conn.RemoteAddr().String()).
		OnClose(func() error {
			return conn.CloseWithError(0, "closed")
		})
}
