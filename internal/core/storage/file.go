package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/protocol"
)

const (
	logFile      = "oplog.wal"
	snapshotFile = "snapshot.json"
)

// Config holds file store settings
type Config struct {
	Dir string
	// Sync fsyncs the log after every append. Turning it off trades
	// durability of the last few batches for throughput.
	Sync bool
	// MaxRecordSize bounds one logged batch or the snapshot.
	MaxRecordSize uint32
}

// DefaultConfig returns durable settings rooted at dir
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		Sync:          true,
		MaxRecordSize: 256 << 20,
	}
}

var _ Store = (*FileStore)(nil)

// appendFile is the part of *os.File the log is written through
type appendFile interface {
	io.WriteCloser
	Name() string
	Sync() error
	Truncate(size int64) error
}

// FileStore keeps an append-only log of framed JSON batches next to a
// framed JSON snapshot. Frames carry an xxhash64 checksum, so a torn or
// corrupt tail is detected on Load and cut off.
type FileStore struct {
	config Config
	logger log.Log

	mu     sync.Mutex
	file   appendFile
	size   int64
	closed bool
	// failed is set once the log may hold a record that was never
	// acknowledged; appending after it could reuse that record's ids.
	failed error
}

// OpenFileStore opens or creates the store in config.Dir
func OpenFileStore(config Config, logger log.Log) (*FileStore, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("empty storage dir")
	}
	if logger == nil {
		logger = log.Provide()
	}
	dir := filepath.Clean(config.Dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	config.Dir = dir

	file, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	return &FileStore{
		config: config,
		logger: logger.With(log.String("component", "storage"), log.String("dir", dir)),
		file:   file,
		size:   info.Size(),
	}, nil
}

func (s *FileStore) Load(ctx context.Context) (*Snapshot, []Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	snap, err := s.readSnapshot()
	if err != nil {
		return nil, nil, err
	}

	batches, valid, err := s.readLog(ctx)
	if err != nil {
		return nil, nil, err
	}
	if valid < s.size {
		s.logger.Warn("Truncating corrupt log tail",
			log.Int64("valid_bytes", valid),
			log.Int64("dropped_bytes", s.size-valid))
		if err = s.file.Truncate(valid); err != nil {
			return nil, nil, fmt.Errorf("failed to truncate log: %w", err)
		}
		if err = s.file.Sync(); err != nil {
			return nil, nil, fmt.Errorf("failed to sync log: %w", err)
		}
		s.size = valid
	}

	s.logger.Debug("Store loaded",
		log.Bool("snapshot", snap != nil),
		log.Int("batches", len(batches)))
	return snap, batches, nil
}

func (s *FileStore) readSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.config.Dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	payload, _, err := protocol.DecodeFrame(data, s.config.MaxRecordSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	var snap Snapshot
	if err = json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// readLog decodes batches until the first bad frame and returns the offset
// where the valid prefix ends.
func (s *FileStore) readLog(ctx context.Context) ([]Batch, int64, error) {
	file, err := os.Open(s.file.Name())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			s.logger.Warn("Failed to close log read file", log.Error(cerr))
		}
	}()

	reader := bufio.NewReader(file)
	var (
		batches []Batch
		offset  int64
	)
	for {
		if err = ctx.Err(); err != nil {
			return nil, 0, err
		}
		payload, err := protocol.ReadFrame(reader, s.config.MaxRecordSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("Bad log record", log.Int64("offset", offset), log.Error(err))
			break
		}
		var b Batch
		if err = json.Unmarshal(payload, &b); err != nil {
			s.logger.Warn("Undecodable log record", log.Int64("offset", offset), log.Error(err))
			break
		}
		batches = append(batches, b)
		offset += int64(protocol.HeaderSize + len(payload))
	}
	return batches, offset, nil
}

func (s *FileStore) Append(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	frame := protocol.EncodeFrame(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.failed != nil {
		return s.failed
	}

	n, err := s.file.Write(frame)
	if err != nil {
		return s.rollback(fmt.Errorf("failed to write batch: %w", err))
	}
	if s.config.Sync {
		if err = s.file.Sync(); err != nil {
			return s.rollback(fmt.Errorf("failed to sync log: %w", err))
		}
	}
	s.size += int64(n)
	return nil
}

// rollback cuts the log back to its last acknowledged record so a failed
// batch is never replayed. If that fails too the store refuses further
// appends until it is reopened and Load repairs the tail.
func (s *FileStore) rollback(cause error) error {
	if err := s.file.Truncate(s.size); err != nil {
		s.logger.Error("Failed to roll back append", log.Error(err), log.ErrorWithKey("cause", cause))
		s.failed = fmt.Errorf("%w: %w", ErrFailed, err)
		return fmt.Errorf("%w: %w", ErrFailed, cause)
	}
	return cause
}

func (s *FileStore) Compact(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := filepath.Join(s.config.Dir, snapshotFile)
	tmp := final + ".tmp"
	if err = writeFileSync(tmp, protocol.EncodeFrame(payload)); err != nil {
		return err
	}
	if err = os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	syncDir(s.config.Dir)

	if err = s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if err = s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	s.logger.Info("Log compacted", log.Int64("reclaimed_bytes", s.size))
	s.size = 0
	// the snapshot supersedes whatever record a failed rollback left behind
	s.failed = nil
	return nil
}

func (s *FileStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err = file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return file.Close()
}

// syncDir makes a rename durable; not every platform supports it
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
