package replica

import (
	"context"
	"time"

	"github.com/zeusync/notesync/internal/core/observability/log"
)

// checkCompaction runs after every commit and wakes the compaction loop once
// the log outgrows the configured threshold
func (r *Replica) checkCompaction() {
	limit := r.config.Storage.CompactBytes
	if limit <= 0 || r.doc.JournalSize() < limit {
		return
	}
	select {
	case r.compact <- struct{}{}:
	default:
	}
}

func (r *Replica) compactionLoop(ctx context.Context) {
	var tick <-chan time.Time
	if interval := r.config.Storage.CompactInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.compact:
		}
		if r.doc.JournalSize() == 0 {
			continue
		}

		size := r.doc.JournalSize()
		started := time.Now()
		if err := r.doc.Compact(ctx); err != nil {
			r.logger.Error("Compaction failed", log.Error(err))
			continue
		}
		r.logger.Info("Journal compacted",
			log.Int64("log_bytes", size),
			log.Duration("took", time.Since(started)))
	}
}
