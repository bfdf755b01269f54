package replica

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeusync/notesync/internal/core/protocol"
	"github.com/zeusync/notesync/internal/core/protocol/quic"
	"github.com/zeusync/notesync/internal/core/protocol/websocket"
	"github.com/zeusync/notesync/internal/core/sync"
)

// dialer picks the transport for a peer address: ws:// and wss:// URLs use
// websockets, quic://host:port uses QUIC.
func (r *Replica) dialer(peer string) (sync.Dialer, error) {
	switch {
	case strings.HasPrefix(peer, "ws://"), strings.HasPrefix(peer, "wss://"):
		return func(ctx context.Context) (protocol.Conn, error) {
			conn, err := websocket.Dial(ctx, peer, r.protoConfig)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}, nil
	case strings.HasPrefix(peer, "quic://"):
		addr := strings.TrimPrefix(peer, "quic://")
		return func(ctx context.Context) (protocol.Conn, error) {
			return quic.Dial(ctx, addr, quic.DefaultQUICConfig(), r.protoConfig)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPeer, peer)
	}
}

// Connect keeps peer connected until ctx ends or the replica closes
func (r *Replica) Connect(ctx context.Context, peer string) error {
	if !r.running.Load() {
		return ErrReplicaNotRunning
	}
	dial, err := r.dialer(peer)
	if err != nil {
		return err
	}
	r.engine.Connect(ctx, peer, dial)
	return nil
}
