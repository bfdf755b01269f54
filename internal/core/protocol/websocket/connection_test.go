package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/notesync/internal/core/protocol"
)

func TestDialUpgradeEcho(t *testing.T) {
	config := protocol.DefaultConfig()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, config)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := conn.Receive()
			if err != nil {
				return
			}
			if err = conn.Send(data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), config)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("ping")))
	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
	assert.Equal(t, conn.BytesSent(), conn.BytesReceived())

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Send([]byte("late")), protocol.ErrConnectionClosed)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/sync", protocol.DefaultConfig())
	assert.Error(t, err)
}
