package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol/websocket"
)

// handleSync upgrades the request and runs a sync session on it
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, s.config.Protocol)
	if err != nil {
		s.logger.Warn("Sync upgrade failed", log.Error(err))
		return
	}

	s.workerGroup.Add(1)
	defer s.workerGroup.Done()

	if err = s.replica.Serve(s.ctx, conn); err != nil {
		s.logger.Debug("Sync session ended", log.String("remote_addr", conn.RemoteAddr()), log.Error(err))
	}
}

var eventUpgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams notifications as JSON text messages. The path is
// given one segment per value, ?path=company&path=board, so names may contain
// any character. The first message is the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query()["path"]
	if slices.Contains(path, "") {
		s.writeError(w, fmt.Errorf("%w: empty path segment", ErrInvalidRequest))
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Events upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	s.workerGroup.Add(1)
	defer s.workerGroup.Done()

	// the bus dispatches on one goroutine, so a slow client is cut off
	// rather than allowed to stall every other subscriber
	outbox := make(chan bus.Notification, 256)
	lagging := make(chan struct{})
	var lagOnce sync.Once
	sub, err := s.replica.Subscribe(path, func(n bus.Notification) error {
		select {
		case outbox <- n:
			return nil
		default:
			lagOnce.Do(func() { close(lagging) })
			return errSlowConsumer
		}
	})
	if err != nil {
		s.logger.Warn("Subscribe failed", log.Error(err))
		return
	}
	defer func() { _ = sub.Cancel() }()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case n := <-outbox:
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.Error("Failed to encode notification", log.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err = conn.WriteMessage(gorilla.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		case <-lagging:
			s.logger.Warn("Dropping slow event stream", log.String("remote_addr", r.RemoteAddr))
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.ClosePolicyViolation, "too slow"),
				time.Now().Add(time.Second))
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
