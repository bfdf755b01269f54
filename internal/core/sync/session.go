package sync

import (
	"context"
	"encoding/json"
	"fmt"
	sc "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
)

// Session is one sync conversation with a peer. It tracks known, the
// operations the peer is believed to hold, and pushes everything else.
// known is replaced by each hello from the peer, which repairs anything
// lost in transit.
type Session struct {
	id     string
	engine *Engine
	conn   protocol.Conn
	logger log.Log
	kickCh chan struct{}

	mu       sc.Mutex
	peer     crdt.ReplicaID
	known    crdt.VersionVector
	greeted  bool
	sent     atomic.Uint64
	received atomic.Uint64
}

func newSession(e *Engine, conn protocol.Conn) *Session {
	return &Session{
		id:     conn.ID(),
		engine: e,
		conn:   conn,
		logger: e.logger.With(log.String("session", conn.ID()), log.String("remote", conn.RemoteAddr())),
		kickCh: make(chan struct{}, 1),
		known:  crdt.NewVersionVector(),
	}
}

// kick wakes the writer; pending kicks coalesce
func (s *Session) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error {
		defer s.conn.Close()
		select {
		case <-gctx.Done():
			return nil
		case <-s.engine.stopped():
			return ErrNotRunning
		}
	})
	return g.Wait()
}

func (s *Session) writeLoop(ctx context.Context) error {
	if err := s.hello(); err != nil {
		return err
	}

	var tick <-chan time.Time
	if interval := s.engine.config.AntiEntropyInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := s.hello(); err != nil {
				return err
			}
		case <-s.kickCh:
			if err := s.push(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) hello() error {
	return s.send(protocol.NewHello(s.engine.doc.Replica(), s.engine.doc.Version()))
}

// push sends every operation the peer is missing, in chunks
func (s *Session) push() error {
	s.mu.Lock()
	if !s.greeted {
		s.mu.Unlock()
		return nil
	}
	since := s.known.Copy()
	s.mu.Unlock()

	ops := s.engine.doc.OpsSince(since)
	if len(ops) == 0 {
		return nil
	}

	var (
		limit  = s.engine.config.MaxOpsPerMessage
		budget = s.engine.config.MaxMessageBytes
		chunk  = make([]crdt.Operation, 0, min(limit, len(ops)))
		size   int
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.send(protocol.NewOps(s.engine.doc.Replica(), chunk)); err != nil {
			return err
		}
		s.advance(chunk)
		s.sent.Add(uint64(len(chunk)))
		chunk, size = chunk[:0], 0
		return nil
	}

	for _, op := range ops {
		n, err := encodedSize(op)
		if err != nil {
			return err
		}
		if n > budget {
			// no frame can carry it; skip rather than wedge the session
			s.logger.Error("Operation exceeds message size, not sent",
				log.String("op", op.ID.String()),
				log.Int("bytes", n),
				log.Int("limit", budget))
			s.advance([]crdt.Operation{op})
			continue
		}
		if len(chunk) == limit || size+n > budget {
			if err = flush(); err != nil {
				return err
			}
		}
		chunk = append(chunk, op)
		size += n + 1 // separator
	}
	if err := flush(); err != nil {
		return err
	}
	s.logger.Debug("Pushed operations", log.Int("ops", len(ops)))
	return nil
}

// encodedSize is the room op takes inside an ops message
func encodedSize(op crdt.Operation) (int, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", op.ID, err)
	}
	return len(data), nil
}

func (s *Session) send(msg *protocol.Message) error {
	data, err := s.engine.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return s.conn.Send(data)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := s.engine.codec.Decode(data)
		if err != nil {
			// a peer that cannot frame or encode is not trusted with the rest of the stream
			return err
		}

		switch msg.Type {
		case protocol.MessageHello:
			if err = s.greet(msg); err != nil {
				return err
			}
			s.kick()
		case protocol.MessageOps:
			if !s.isGreeted() {
				return fmt.Errorf("%w: ops before hello", ErrProtocolViolation)
			}
			if len(msg.Ops) == 0 {
				continue
			}
			// the peer has these, never echo them back
			s.advance(msg.Ops)
			s.received.Add(uint64(len(msg.Ops)))
			if err = s.engine.enqueue(ctx, inbound{session: s.id, ops: msg.Ops}); err != nil {
				return err
			}
		}
	}
}

func (s *Session) greet(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greeted && s.peer != msg.Replica {
		return fmt.Errorf("%w: peer changed from %s to %s", ErrProtocolViolation, s.peer, msg.Replica)
	}
	if !s.greeted {
		s.logger.Info("Peer identified", log.String("peer", string(msg.Replica)))
	}
	s.peer = msg.Replica
	s.greeted = true
	s.known = msg.Version.Copy()
	return nil
}

func (s *Session) isGreeted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeted
}

func (s *Session) advance(ops []crdt.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.known.Advance(op.ID)
	}
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		Peer:        s.peer,
		Remote:      s.conn.RemoteAddr(),
		Known:       s.known.Copy(),
		OpsSent:     s.sent.Load(),
		OpsReceived: s.received.Load(),
	}
}
