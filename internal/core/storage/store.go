package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeusync/notesync/internal/core/crdt"
)

// Batch is the unit of durability: the operations of one command or one
// merged remote message.
type Batch struct {
	Ops []crdt.Operation `json:"ops"`
}

// Snapshot is a compacted document: the full tree, tombstones included,
// plus the history that produced it.
type Snapshot struct {
	History crdt.HistoryState `json:"history"`
	Tree    json.RawMessage   `json:"tree"`
	TakenAt time.Time         `json:"taken_at"`
}

// Store is the durable log behind a document.
//
// Replay order is the snapshot, if any, followed by every batch appended
// since, in append order.
type Store interface {
	// Load returns the latest snapshot (nil if none) and the batches logged after it.
	Load(ctx context.Context) (*Snapshot, []Batch, error)
	// Append durably records b. The batch must not be applied if this fails.
	Append(ctx context.Context, b Batch) error
	// Compact replaces the snapshot with s and drops every logged batch.
	// s must reflect all of them.
	Compact(ctx context.Context, s Snapshot) error
	// Size reports the bytes logged since the last compaction.
	Size() int64
	Close() error
}
