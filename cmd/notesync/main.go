package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/injector"
)

type peerList []string

func (p *peerList) String() string {
	return strings.Join(*p, ",")
}

func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "notesync:", err)
		os.Exit(1)
	}
}

func run() error {
	var peers peerList
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "HTTP listen address, overrides server.addr")
	replicaID := flag.String("replica", "", "replica id, overrides replica.id")
	author := flag.String("author", "", "author recorded on notes, overrides replica.author")
	dir := flag.String("dir", "", "storage directory, overrides storage.dir")
	quicAddr := flag.String("quic", "", "QUIC listen address, overrides sync.quic_listen")
	level := flag.String("log-level", "", "log level, overrides log.level")
	flag.Var(&peers, "peer", "peer to keep in sync with (ws://host/sync or quic://host:port), repeatable")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	override(&cfg.Server.Addr, *addr)
	override(&cfg.Replica.ID, *replicaID)
	override(&cfg.Replica.Author, *author)
	override(&cfg.Storage.Dir, *dir)
	override(&cfg.Sync.QUICListen, *quicAddr)
	override(&cfg.Log.Level, *level)
	cfg.Sync.Peers = append(cfg.Sync.Peers, peers...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := injector.InitializeApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = app.Start(ctx); err != nil {
		return err
	}
	app.Logger.Info("notesync running",
		log.String("replica", string(app.Replica.ID())),
		log.String("addr", app.Server.Addr().String()))

	<-ctx.Done()
	app.Logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return app.Close(shutdownCtx)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
