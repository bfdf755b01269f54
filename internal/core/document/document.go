package document

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/storage"
)

// Config identifies the local replica
type Config struct {
	// Replica is generated when empty. Reusing an id across restarts is only
	// safe while the log is intact.
	Replica crdt.ReplicaID
	// Author is recorded on every note this replica writes.
	Author string
	// MaxOpBytes bounds the encoded size of one local operation. Zero
	// disables the check.
	MaxOpBytes int
}

// Document is one replica of the company/board/note tree.
//
// Every mutation, local or merged, runs under mu: local commands build their
// operations, make them durable, then apply them; remote batches are applied,
// then logged. Each mutation publishes one coalesced notification while still
// holding mu, so subscribers observe changes in mutation order.
type Document struct {
	mu        sync.Mutex
	clock     *crdt.Clock
	history   *crdt.History
	companies *Companies

	journal storage.Store
	events  bus.Bus
	logger  log.Log
	author  string
	maxOp   int

	hooksMu sync.RWMutex
	hooks   []func()
}

// New creates an empty document. Call Load to restore persisted state.
func New(config Config, journal storage.Store, events bus.Bus, logger log.Log) *Document {
	if config.Replica == "" {
		config.Replica = crdt.NewReplicaID()
	}
	if logger == nil {
		logger = log.Provide()
	}
	return &Document{
		clock:     crdt.NewClock(config.Replica),
		history:   crdt.NewHistory(),
		companies: newCompanies(),
		journal:   journal,
		events:    events,
		logger:    logger.With(log.String("component", "document"), log.String("replica", string(config.Replica))),
		author:    config.Author,
		maxOp:     config.MaxOpBytes,
	}
}

func (d *Document) Replica() crdt.ReplicaID {
	return d.clock.Replica()
}

// OnCommit registers fn to run after every mutation that changed the
// document. It runs outside the document lock.
func (d *Document) OnCommit(fn func()) {
	d.hooksMu.Lock()
	d.hooks = append(d.hooks, fn)
	d.hooksMu.Unlock()
}

func (d *Document) committed() {
	d.hooksMu.RLock()
	hooks := slices.Clone(d.hooks)
	d.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Load replays the journal: the snapshot first, then every logged batch.
func (d *Document) Load(ctx context.Context) error {
	snap, batches, err := d.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if snap != nil {
		companies, err := decodeTree(snap.Tree)
		if err != nil {
			return err
		}
		d.companies = companies
		d.history = crdt.RestoreHistory(snap.History)
	}

	replayed := 0
	for _, b := range batches {
		for _, op := range b.Ops {
			if d.history.Seen(op.ID) {
				continue
			}
			if err = op.Validate(); err == nil {
				err = apply(d.companies, op)
			}
			if err != nil {
				d.logger.Warn("Skipping logged operation", log.String("op", op.ID.String()), log.Error(err))
			}
			d.history.Observe(op.ID)
			replayed++
		}
	}
	d.clock.Witness(d.history.Highest(d.clock.Replica()))

	d.logger.Info("Document loaded",
		log.Bool("snapshot", snap != nil),
		log.Int("replayed", replayed))
	return nil
}

// commit runs build under the lock, logs the resulting ops and applies them.
// If logging fails nothing is applied and the reserved ids are released.
func (d *Document) commit(ctx context.Context, build func() ([]crdt.Operation, error)) error {
	d.mu.Lock()
	mark := d.clock.Current()
	ops, err := build()
	if err == nil {
		err = d.checkSize(ops)
	}
	if err == nil && len(ops) > 0 {
		if err = d.journal.Append(ctx, storage.Batch{Ops: ops}); err != nil {
			err = fmt.Errorf("%w: %w", ErrStorageFailure, err)
		}
	}
	if err != nil {
		d.clock.Rewind(mark)
		d.mu.Unlock()
		return err
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil
	}
	d.applyLocked(ops, "local")
	d.mu.Unlock()

	d.committed()
	return nil
}

// checkSize rejects operations no peer could receive in one message
func (d *Document) checkSize(ops []crdt.Operation) error {
	if d.maxOp <= 0 {
		return nil
	}
	for _, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op.ID, err)
		}
		if len(data) > d.maxOp {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrOperationTooLarge, len(data), d.maxOp)
		}
	}
	return nil
}

// applyLocked applies ops that are known to be new and valid, then publishes
// the diff they caused.
func (d *Document) applyLocked(ops []crdt.Operation, source string) {
	paths := make(map[string][]string)
	d.touched(ops, paths)
	before := d.views(paths)

	for _, op := range ops {
		if err := apply(d.companies, op); err != nil {
			d.logger.Warn("Operation not applied", log.String("op", op.ID.String()), log.Error(err))
		}
		d.history.Observe(op.ID)
	}

	// ops may have revealed containers that did not exist before
	d.touched(ops, paths)
	after := d.views(paths)
	d.publish(source, diff(paths, before, after))
}

func (d *Document) publish(source string, events []bus.Event) {
	if len(events) == 0 {
		return
	}
	err := d.events.Publish(bus.Notification{Source: source, At: time.Now(), Events: events})
	if err != nil {
		d.logger.Debug("Notification dropped", log.Error(err))
	}
}

// Merge applies a batch of remote operations and returns how many were new.
// Duplicates are skipped, malformed operations are logged and dropped.
func (d *Document) Merge(ctx context.Context, ops []crdt.Operation) int {
	d.mu.Lock()

	fresh := make([]crdt.Operation, 0, len(ops))
	seen := make(map[crdt.OpID]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.ID]; dup || d.history.Seen(op.ID) {
			continue
		}
		if err := op.Validate(); err != nil {
			d.logger.Warn("Dropping malformed operation", log.String("op", op.ID.String()), log.Error(err))
			if op.ID.Valid() {
				// never retry it, or the version vector stalls on this id
				d.history.Observe(op.ID)
			}
			continue
		}
		seen[op.ID] = struct{}{}
		fresh = append(fresh, op)
	}
	if len(fresh) == 0 {
		d.mu.Unlock()
		return 0
	}

	d.applyLocked(fresh, "remote")
	if err := d.journal.Append(ctx, storage.Batch{Ops: fresh}); err != nil {
		// the ops are refetched after a restart since the history is rebuilt from the log
		d.logger.Error("Failed to log merged operations", log.Int("ops", len(fresh)), log.Error(err))
	}
	d.mu.Unlock()

	d.committed()
	return len(fresh)
}

// OpsSince returns every operation since does not cover, ordered by replica
// then sequence number.
func (d *Document) OpsSince(since crdt.VersionVector) []crdt.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return opsSince(d.companies, since)
}

// Version returns the contiguous version vector of this replica
func (d *Document) Version() crdt.VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Version()
}

// Compact writes a snapshot of the whole tree and truncates the log.
// It holds the lock throughout so no batch can slip between the two.
func (d *Document) Compact(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tree, err := encodeTree(d.companies)
	if err != nil {
		return err
	}
	snap := storage.Snapshot{
		History: d.history.State(),
		Tree:    tree,
		TakenAt: time.Now().UTC(),
	}
	if err = d.journal.Compact(ctx, snap); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	return nil
}

// JournalSize reports the bytes logged since the last compaction
func (d *Document) JournalSize() int64 {
	return d.journal.Size()
}

// Subscribe registers handler for changes at or below path. The first
// notification it receives is the current state under path.
func (d *Document) Subscribe(path []string, handler bus.Handler) (bus.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	initial := bus.Notification{Source: "snapshot", At: time.Now(), Events: d.fullState(path)}
	return d.events.SubscribeWithSnapshot(path, handler, initial)
}

func (d *Document) list(company, board string) (*crdt.NoteList, bool) {
	boards, ok := d.companies.Get(company)
	if !ok {
		return nil, false
	}
	return boards.Get(board)
}
