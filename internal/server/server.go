package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
	notesync "github.com/zeusync/notesync/internal/core/sync"
)

// Replica is what the server exposes over HTTP
type Replica interface {
	ID() crdt.ReplicaID
	Version() crdt.VersionVector
	Sessions() []notesync.SessionInfo

	AddCompany(ctx context.Context, name string) error
	AddBoard(ctx context.Context, company, board string) error
	AddNote(ctx context.Context, company, board, content string) (crdt.Position, error)
	InsertNoteAfter(ctx context.Context, company, board string, after crdt.Position, content string) (crdt.Position, error)
	UpdateNote(ctx context.Context, company, board string, pos crdt.Position, content string) (crdt.Position, error)
	DeleteNote(ctx context.Context, company, board string, pos crdt.Position) error
	RemoveCompany(ctx context.Context, company string) error
	RemoveBoard(ctx context.Context, company, board string) error
	ListCompanies() []string
	ListBoards(company string) ([]string, error)
	ListNotes(company, board string) ([]crdt.Note, error)

	Subscribe(path []string, handler bus.Handler) (bus.Subscription, error)
	Serve(ctx context.Context, conn protocol.Conn) error
}

// Config holds server configuration
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// Token, when set, must accompany every request.
	Token    string
	Protocol protocol.Config
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		ShutdownTimeout: 10 * time.Second,
		Protocol:        protocol.DefaultConfig(),
	}
}

// ConfigFrom maps the file configuration onto the server
func ConfigFrom(cfg config.Config, proto protocol.Config) Config {
	out := DefaultServerConfig()
	out.Addr = cfg.Server.Addr
	if cfg.Server.ShutdownTimeout > 0 {
		out.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	out.Token = cfg.Server.Token
	out.Protocol = proto
	return out
}

// Server is the HTTP command surface of a replica. It also upgrades /sync to
// websocket sync sessions and /events to notification streams.
type Server struct {
	replica Replica
	config  Config
	logger  log.Log

	httpServer *http.Server
	listener   net.Listener

	// Server state
	running atomic.Bool
	closed  atomic.Bool

	// Long-lived websocket handlers
	workerGroup sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewServer creates a server for replica
func NewServer(replica Replica, config Config, logger log.Log) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		replica: replica,
		config:  config,
		logger:  logger.With(log.String("component", "server")),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/sync", s.handleSync)
		r.Get("/events", s.handleEvents)

		r.Route("/companies", func(r chi.Router) {
			r.Get("/", s.handleListCompanies)
			r.Post("/", s.handleAddCompany)
			r.Route("/{company}", func(r chi.Router) {
				r.Delete("/", s.handleRemoveCompany)
				r.Route("/boards", func(r chi.Router) {
					r.Get("/", s.handleListBoards)
					r.Post("/", s.handleAddBoard)
					r.Route("/{board}", func(r chi.Router) {
						r.Delete("/", s.handleRemoveBoard)
						r.Route("/notes", func(r chi.Router) {
							r.Get("/", s.handleListNotes)
							r.Post("/", s.handleAddNote)
							r.Put("/{position}", s.handleUpdateNote)
							r.Delete("/{position}", s.handleDeleteNote)
						})
					})
				})
			})
		})
	})
	return r
}

// Start binds the listen address and serves in the background
func (s *Server) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return err
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the bound address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down and ends every websocket handler
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	// hijacked websocket connections are not tracked by Shutdown
	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	s.workerGroup.Wait()

	s.logger.Info("Server stopped")
	return err
}

// Close stops the server if needed and releases it for good
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.running.Load() {
		return s.Stop(context.Background())
	}
	s.cancel()
	return nil
}
