package replica

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/document"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
	"github.com/zeusync/notesync/internal/core/protocol/quic"
	"github.com/zeusync/notesync/internal/core/storage"
	"github.com/zeusync/notesync/internal/core/sync"
)

// Replica is a running notesync node: the document, its journal, the
// notification bus and the sync engine, plus the background workers that
// dial peers, accept QUIC sessions and compact the log.
type Replica struct {
	config  config.Config
	doc     *document.Document
	engine  *sync.Engine
	events  bus.Bus
	journal storage.Store
	logger  log.Log

	protoConfig protocol.Config
	listener    *quic.Listener

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	compact chan struct{}
}

// New assembles a replica from its components. Nothing runs until Start.
func New(cfg config.Config, doc *document.Document, engine *sync.Engine, events bus.Bus, journal storage.Store, logger log.Log) *Replica {
	r := &Replica{
		config:      cfg,
		doc:         doc,
		engine:      engine,
		events:      events,
		journal:     journal,
		logger:      logger.With(log.String("component", "replica")),
		protoConfig: ProtocolConfig(cfg),
		compact:     make(chan struct{}, 1),
	}
	doc.OnCommit(r.checkCompaction)
	return r
}

// Open builds a replica from cfg without starting it
func Open(cfg config.Config, logger log.Log) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	journal, err := NewStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	events := bus.New()
	doc := NewDocument(cfg, journal, events, logger)
	return New(cfg, doc, NewEngine(cfg, doc, logger), events, journal, logger), nil
}

func (r *Replica) ID() crdt.ReplicaID {
	return r.doc.Replica()
}

func (r *Replica) Document() *document.Document {
	return r.doc
}

// Start restores the journal, then launches the sync engine and workers
func (r *Replica) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrReplicaClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrReplicaAlreadyRunning
	}

	if err := r.doc.Load(ctx); err != nil {
		r.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.engine.Start(ctx); err != nil {
		cancel()
		r.running.Store(false)
		return err
	}

	if addr := r.config.Sync.QUICListen; addr != "" {
		listener, err := quic.Listen(addr, quic.DefaultQUICConfig(), r.protoConfig, r.logger)
		if err != nil {
			cancel()
			_ = r.engine.Stop()
			r.running.Store(false)
			return err
		}
		r.listener = listener
	}

	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	r.group = g

	if r.listener != nil {
		g.Go(func() error {
			r.acceptLoop(gctx)
			return nil
		})
	}
	for _, peer := range r.config.Sync.Peers {
		dial, err := r.dialer(peer)
		if err != nil {
			r.logger.Error("Skipping peer", log.String("peer", peer), log.Error(err))
			continue
		}
		g.Go(func() error {
			r.engine.Connect(gctx, peer, dial)
			return nil
		})
	}
	g.Go(func() error {
		r.compactionLoop(gctx)
		return nil
	})

	r.logger.Info("Replica started",
		log.String("replica", string(r.ID())),
		log.Int("peers", len(r.config.Sync.Peers)))
	return nil
}

// Close stops every worker, takes a final snapshot and releases the journal
func (r *Replica) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if r.running.CompareAndSwap(true, false) {
		r.cancel()
		if r.listener != nil {
			errs = append(errs, r.listener.Close())
		}
		errs = append(errs, r.engine.Stop())
		errs = append(errs, r.group.Wait())

		if r.doc.JournalSize() > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			errs = append(errs, r.doc.Compact(ctx))
			cancel()
		}
	}
	errs = append(errs, r.events.Close(), r.journal.Close())

	r.logger.Info("Replica closed")
	return errors.Join(errs...)
}

// Serve runs a sync session over an accepted connection until it ends
func (r *Replica) Serve(ctx context.Context, conn protocol.Conn) error {
	if !r.running.Load() {
		_ = conn.Close()
		return ErrReplicaNotRunning
	}
	return r.engine.Serve(ctx, conn)
}

// Sessions lists the live sync sessions
func (r *Replica) Sessions() []sync.SessionInfo {
	return r.engine.Sessions()
}

func (r *Replica) Version() crdt.VersionVector {
	return r.doc.Version()
}

// QUICAddr is the bound QUIC listener address, nil when not listening
func (r *Replica) QUICAddr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Replica) acceptLoop(ctx context.Context) {
	r.logger.Debug("QUIC acceptor started", log.String("addr", r.listener.Addr().String()))
	defer r.logger.Debug("QUIC acceptor stopped")

	for ctx.Err() == nil {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Failed to accept connection", log.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		go func() { _ = r.engine.Serve(ctx, conn) }()
	}
}
