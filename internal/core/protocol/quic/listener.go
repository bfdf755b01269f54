package quic

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// Listener accepts sync connections over QUIC
type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	closed   atomic.Bool
	logger   log.Log
}

// Listen starts a QUIC listener on addr
func Listen(addr string, quicConfig Config, config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	tlsConfig, err := quicConfig.serverTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	l := &Listener{
		listener: ln,
		config:   config,
		logger:   logger.With(log.String("listener_addr", ln.Addr().String())),
	}
	l.logger.Info("QUIC listener created")
	return l, nil
}

// Accept waits for a peer to connect and open its sync stream
func (l *Listener) Accept(ctx context.Context) (protocol.Conn, error) {
	if l.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}

	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to accept QUIC connection")
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "failed to accept stream")
	}

	l.logger.Debug("QUIC connection accepted",
		log.String("remote_addr", conn.RemoteAddr().String()))

	return newConnection(conn, stream, l.config), nil
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the listener
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	l.logger.Info("Closing QUIC listener")
	return l.listener.Close()
}
