package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
)

// Document is the part of a replica the engine synchronizes
type Document interface {
	Replica() crdt.ReplicaID
	Version() crdt.VersionVector
	OpsSince(since crdt.VersionVector) []crdt.Operation
	Merge(ctx context.Context, ops []crdt.Operation) int
	OnCommit(fn func())
}

// Dialer opens a new connection to one peer
type Dialer func(ctx context.Context) (protocol.Conn, error)

// Config holds sync engine settings
type Config struct {
	// AntiEntropyInterval is how often a session re-sends its hello so the
	// peer can repair anything lost in flight.
	AntiEntropyInterval time.Duration
	// InboxSize bounds remote batches waiting to be merged.
	InboxSize int
	// MaxOpsPerMessage splits large pushes into several messages.
	MaxOpsPerMessage int
	// MaxMessageBytes bounds the encoded operations in one message so it
	// always fits the peer's frame limit.
	MaxMessageBytes int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// DefaultConfig returns default sync settings
func DefaultConfig() Config {
	return Config{
		AntiEntropyInterval: 30 * time.Second,
		InboxSize:           64,
		MaxOpsPerMessage:    512,
		MaxMessageBytes:     protocol.DefaultConfig().OpsBudget(),
		BackoffInitial:      500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
	}
}

type inbound struct {
	session string
	ops     []crdt.Operation
}

// Engine runs state-vector anti-entropy between a document and any number of
// peers. Remote operations from every session funnel through one inbox and
// are merged by a single goroutine.
type Engine struct {
	config Config
	doc    Document
	codec  protocol.Codec
	logger log.Log

	inbox    chan inbound
	mu       sc.RWMutex
	sessions map[string]*Session

	running  atomic.Bool
	hooked   atomic.Bool
	stopChan chan struct{}
	wg       sc.WaitGroup
}

// NewEngine creates an engine for doc
func NewEngine(doc Document, config Config, logger log.Log) *Engine {
	if logger == nil {
		logger = log.Provide()
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultConfig().InboxSize
	}
	if config.MaxOpsPerMessage <= 0 {
		config.MaxOpsPerMessage = DefaultConfig().MaxOpsPerMessage
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	return &Engine{
		config:   config,
		doc:      doc,
		codec:    protocol.JSONCodec{},
		logger:   logger.With(log.String("component", "sync"), log.String("replica", string(doc.Replica()))),
		inbox:    make(chan inbound, config.InboxSize),
		sessions: make(map[string]*Session),
	}
}

// Start launches the merge loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	stop := make(chan struct{})
	e.stopChan = stop
	e.running.Store(true)
	e.wg.Add(1)
	e.mu.Unlock()

	if e.hooked.CompareAndSwap(false, true) {
		e.doc.OnCommit(e.Notify)
	}

	go e.drain(ctx, stop)

	e.logger.Info("Sync engine started")
	return nil
}

// Stop ends every session and the merge loop. Batches still queued are dropped;
// peers resend them on the next exchange.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running.CompareAndSwap(true, false) {
		e.mu.Unlock()
		return nil
	}
	close(e.stopChan)
	for _, s := range e.sessions {
		_ = s.conn.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Sync engine stopped")
	return nil
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) drain(ctx context.Context, stop <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case in := <-e.inbox:
			if n := e.doc.Merge(ctx, in.ops); n > 0 {
				e.logger.Debug("Merged remote operations",
					log.String("session", in.session),
					log.Int("received", len(in.ops)),
					log.Int("new", n))
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands a remote batch to the merge loop, blocking while the inbox is full
func (e *Engine) enqueue(ctx context.Context, in inbound) error {
	select {
	case e.inbox <- in:
		return nil
	case <-e.stopped():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify tells every session the document changed
func (e *Engine) Notify() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sessions {
		s.kick()
	}
}

// Serve runs one sync session over conn until the peer goes away, the
// context ends or the engine stops. conn is closed on return.
func (e *Engine) Serve(ctx context.Context, conn protocol.Conn) error {
	s := newSession(e, conn)
	e.mu.Lock()
	if !e.IsRunning() {
		e.mu.Unlock()
		_ = conn.Close()
		return ErrNotRunning
	}
	e.sessions[s.id] = s
	e.wg.Add(1)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.sessions, s.id)
		e.mu.Unlock()
		e.wg.Done()
	}()

	s.logger.Info("Sync session opened")
	err := s.run(ctx)
	if isClosed(err) {
		err = nil
	}
	if err != nil {
		s.logger.Warn("Sync session failed", log.Error(err))
	} else {
		s.logger.Info("Sync session closed")
	}
	return err
}

// Connect keeps a dialled peer connected until ctx ends or the engine stops,
// redialling with jittered exponential backoff.
func (e *Engine) Connect(ctx context.Context, name string, dial Dialer) {
	logger := e.logger.With(log.String("peer", name))
	b := newBackoff(e.config.BackoffInitial, e.config.BackoffMax)

	for e.IsRunning() && ctx.Err() == nil {
		conn, err := dial(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, name, err)
			logger.Warn("Dial failed", log.Error(err))
		} else {
			b.reset()
			started := time.Now()
			if err = e.Serve(ctx, conn); err == nil && time.Since(started) < e.config.BackoffInitial {
				// the peer hung up right away; do not hammer it
				err = ErrPeerUnreachable
			}
		}
		if err == nil {
			continue
		}

		delay := b.next()
		logger.Debug("Reconnecting", log.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-e.stopped():
			return
		}
	}
}

func (e *Engine) stopped() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopChan
}

// SessionInfo describes one live session
type SessionInfo struct {
	ID          string             `json:"id"`
	Peer        crdt.ReplicaID     `json:"peer"`
	Remote      string             `json:"remote"`
	Known       crdt.VersionVector `json:"known"`
	OpsSent     uint64             `json:"ops_sent"`
	OpsReceived uint64             `json:"ops_received"`
}

// Sessions lists the live sessions
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.info())
	}
	return out
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, protocol.ErrConnectionClosed) ||
		errors.Is(err, ErrNotRunning)
}
