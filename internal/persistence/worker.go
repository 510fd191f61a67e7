package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"RangeLedger/internal/audit"
	"RangeLedger/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes audit records
// to Postgres. The engine uses BLOCKING sends on that channel, so if this
// worker falls behind, action application stalls rather than losing a record.
type Worker struct {
	writer       *AuditWriter
	inputChan    <-chan audit.Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan audit.Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewAuditWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Writer returns the underlying writer for schema creation.
func (w *Worker) Writer() *AuditWriter {
	return w.writer
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed; remaining records are flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]audit.Record, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.writer.WriteBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.writer.WriteBatch(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled, in
// which case one last attempt is made with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []audit.Record) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("retrying audit flush")
			select {
			case <-ctx.Done():
				if err := w.writer.WriteBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("shutdown flush failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.writer.WriteBatch(ctx, batch)
		if err == nil {
			if w.metrics != nil {
				w.metrics.AuditRecordsWritten.Add(float64(len(batch)))
			}
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("audit flush succeeded after retries")
			}
			return
		}

		w.log.Error().Err(err).Msg("audit flush failed")
		if w.metrics != nil {
			w.metrics.AuditWriteErrors.Inc()
		}
	}
}
