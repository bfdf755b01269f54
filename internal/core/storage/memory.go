package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in memory. It backs ephemeral replicas and
// tests, and can be told to fail appends.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	batches  []Batch
	size     int64
	fail     error
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailAppends makes every following Append and Compact return err.
// A nil err restores normal operation.
func (s *MemoryStore) FailAppends(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, []Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	var snap *Snapshot
	if s.snapshot != nil {
		cp := *s.snapshot
		snap = &cp
	}
	return snap, slices.Clone(s.batches), nil
}

func (s *MemoryStore) Append(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// encoding keeps the size honest and catches unencodable batches early
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.fail != nil {
		return s.fail
	}
	var stored Batch
	if err = json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to decode batch: %w", err)
	}
	s.batches = append(s.batches, stored)
	s.size += int64(len(data))
	return nil
}

func (s *MemoryStore) Compact(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.fail != nil {
		return s.fail
	}
	s.snapshot = &snap
	s.batches = nil
	s.size = 0
	return nil
}

func (s *MemoryStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Batches returns how many batches are logged since the last compaction
func (s *MemoryStore) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
