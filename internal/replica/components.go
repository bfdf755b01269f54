package replica

import (
	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/document"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
	"github.com/zeusync/notesync/internal/core/storage"
	"github.com/zeusync/notesync/internal/core/sync"
)

// NewStore opens the file store in cfg.Storage.Dir, or an in-memory store
// when no directory is configured.
func NewStore(cfg config.Config, logger log.Log) (storage.Store, error) {
	if cfg.Storage.Dir == "" {
		logger.Warn("No storage dir configured, notes will not survive a restart")
		return storage.NewMemoryStore(), nil
	}
	storeConfig := storage.DefaultConfig(cfg.Storage.Dir)
	storeConfig.Sync = cfg.Storage.Sync
	return storage.OpenFileStore(storeConfig, logger)
}

func NewDocument(cfg config.Config, journal storage.Store, events bus.Bus, logger log.Log) *document.Document {
	return document.New(document.Config{
		Replica:    crdt.ReplicaID(cfg.Replica.ID),
		Author:     cfg.Replica.Author,
		MaxOpBytes: ProtocolConfig(cfg).OpsBudget(),
	}, journal, events, logger)
}

func NewEngine(cfg config.Config, doc *document.Document, logger log.Log) *sync.Engine {
	syncConfig := sync.DefaultConfig()
	if cfg.Sync.AntiEntropyInterval > 0 {
		syncConfig.AntiEntropyInterval = cfg.Sync.AntiEntropyInterval
	}
	if cfg.Sync.BackoffInitial > 0 {
		syncConfig.BackoffInitial = cfg.Sync.BackoffInitial
	}
	if cfg.Sync.BackoffMax > 0 {
		syncConfig.BackoffMax = cfg.Sync.BackoffMax
	}
	syncConfig.MaxMessageBytes = ProtocolConfig(cfg).OpsBudget()
	return sync.NewEngine(doc, syncConfig, logger)
}

// readTimeoutHellos is how many anti-entropy hellos a peer may miss before
// its session is dropped
const readTimeoutHellos = 3

// ProtocolConfig returns the framing limits and timeouts shared by every
// transport. Peers hello at least every anti-entropy interval, so a session
// silent for several intervals is dead.
func ProtocolConfig(cfg config.Config) protocol.Config {
	protoConfig := protocol.DefaultConfig()
	if cfg.Sync.MaxFrameSize > 0 {
		protoConfig.MaxFrameSize = uint32(cfg.Sync.MaxFrameSize)
	}
	interval := cfg.Sync.AntiEntropyInterval
	if interval <= 0 {
		interval = sync.DefaultConfig().AntiEntropyInterval
	}
	protoConfig.ReadTimeout = readTimeoutHellos * interval
	return protoConfig
}
