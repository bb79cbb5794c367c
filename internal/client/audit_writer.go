package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// AuditWriterConfig tunes batching.
type AuditWriterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// AuditWriter records audit entries asynchronously. Record never blocks the
// decision path: entries are queued and a worker writes them in batches,
// either when BatchSize entries are queued or every FlushInterval. Stop
// drains the queue before returning.
type AuditWriter struct {
	ch       chan *repository.AuditEntry
	store    repository.AuditStore
	log      *logger.Logger
	cfg      AuditWriterConfig
	wg       sync.WaitGroup
	isClosed int32
	dropped  atomic.Int64
}

// NewAuditWriter creates a writer. Call Start before recording.
func NewAuditWriter(store repository.AuditStore, cfg AuditWriterConfig, log *logger.Logger) *AuditWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &AuditWriter{
		ch:    make(chan *repository.AuditEntry, cfg.BufferSize),
		store: store,
		log:   log.Named("audit-writer"),
		cfg:   cfg,
	}
}

var _ AuditRecorder = (*AuditWriter)(nil)

// Start launches the worker.
func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop closes the queue and waits for the final flush.
func (w *AuditWriter) Stop() {
	if !atomic.CompareAndSwapInt32(&w.isClosed, 0, 1) {
		return
	}
	close(w.ch)
	w.wg.Wait()
	w.log.Info().Int64("dropped", w.dropped.Load()).Msg("Audit writer stopped")
}

// Record implements AuditRecorder.
func (w *AuditWriter) Record(entry *repository.AuditEntry) {
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}
	if atomic.LoadInt32(&w.isClosed) == 1 {
		w.dropped.Add(1)
		w.log.Warn().Str("work_request_id", entry.WorkRequestID).Msg("Audit entry dropped: writer is stopping")
		return
	}

	defer func() {
		// Stop may close the channel between the flag check and the send.
		if recover() != nil {
			w.dropped.Add(1)
		}
	}()

	select {
	case w.ch <- entry:
	default:
		w.dropped.Add(1)
		w.log.Error().
			Str("work_request_id", entry.WorkRequestID).
			Str("action", entry.Action).
			Str("performed_by", entry.PerformedBy).
			Msg("Audit buffer overflow, entry dropped")
	}
}

// Dropped returns how many entries were discarded.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *AuditWriter) worker() {
	defer w.wg.Done()

	batch := make([]*repository.AuditEntry, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: the request context is long gone by now.
		if err := w.store.AppendBatch(context.Background(), batch); err != nil {
			w.log.Warn().Err(err).Int("entries", len(batch)).Msg("Failed to write audit log entries")
		}
		batch = make([]*repository.AuditEntry, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
