package injector

import (
	"context"
	"errors"

	"github.com/google/wire"

	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/replica"
	"github.com/zeusync/notesync/internal/server"
)

// ProviderSet builds a complete notesync node from a config.Config
var ProviderSet = wire.NewSet(
	ProvideLogger,
	bus.New,
	replica.NewStore,
	replica.NewDocument,
	replica.NewEngine,
	replica.New,
	ProvideServer,
	wire.Struct(new(App), "*"),
)

// App is a wired node: the replica and the HTTP server in front of it
type App struct {
	Logger  log.Log
	Replica *replica.Replica
	Server  *server.Server
}

// ProvideLogger builds the process logger at the configured level
func ProvideLogger(cfg config.Config) (log.Log, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.New(level), nil
}

func ProvideServer(cfg config.Config, r *replica.Replica, logger log.Log) *server.Server {
	return server.NewServer(r, server.ConfigFrom(cfg, replica.ProtocolConfig(cfg)), logger)
}

// Start brings up the replica, then the server
func (a *App) Start(ctx context.Context) error {
	if err := a.Replica.Start(ctx); err != nil {
		return err
	}
	if err := a.Server.Start(ctx); err != nil {
		_ = a.Replica.Close()
		return err
	}
	return nil
}

// Close stops the server, then the replica
func (a *App) Close(ctx context.Context) error {
	err := a.Server.Stop(ctx)
	if errors.Is(err, server.ErrServerNotRunning) {
		err = nil
	}
	return errors.Join(err, a.Replica.Close())
}
