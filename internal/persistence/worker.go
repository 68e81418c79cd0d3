// Package persistence drains committed action records into the
// Postgres archive and writes periodic state snapshots. The engine
// sends records over a blocking channel, so a stalled archive
// backpressures execution instead of losing the log.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpCore/internal/observability"
	"PerpCore/internal/store"
)

// Worker batches action records and flushes either on a full batch or
// on the flush timeout.
type Worker struct {
	archive       *store.Archive
	source        *store.Memory
	in            <-chan *store.ActionRecord
	batchSize     int
	flushTimeout  time.Duration
	snapshotEvery time.Duration
	annotate      func(*store.SnapshotData)
	guard         *sync.RWMutex
	metrics       *observability.Metrics
	log           zerolog.Logger
}

func NewWorker(
	archive *store.Archive,
	source *store.Memory,
	in <-chan *store.ActionRecord,
	batchSize int,
	flushTimeout time.Duration,
	snapshotEvery time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		archive:       archive,
		source:        source,
		in:            in,
		batchSize:     batchSize,
		flushTimeout:  flushTimeout,
		snapshotEvery: snapshotEvery,
		metrics:       metrics,
		log:           log.With().Str("component", "persistence_worker").Logger(),
	}
}

// Annotate registers a hook that stamps engine progress onto each
// snapshot before it is written. Must be set before Run.
func (w *Worker) Annotate(fn func(*store.SnapshotData)) {
	w.annotate = fn
}

// Guard shares the engine's commit lock. Snapshot capture holds the
// read side so no commit lands between the state walk and the
// annotated progress. Must be set before Run.
func (w *Worker) Guard(mu *sync.RWMutex) {
	w.guard = mu
}

// Run loops until the context is cancelled or the input channel
// closes. Remaining records are flushed and a final snapshot is taken
// on the way out.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]*store.ActionRecord, 0, w.batchSize)

	flushTimer := time.NewTimer(w.flushTimeout)
	defer flushTimer.Stop()

	snapTicker := time.NewTicker(w.snapshotEvery)
	defer snapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finish(batch)
			return ctx.Err()

		case rec, ok := <-w.in:
			if !ok {
				w.finish(batch)
				return nil
			}

			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				flushTimer.Reset(w.flushTimeout)
			}

		case <-flushTimer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			flushTimer.Reset(w.flushTimeout)

		case <-snapTicker.C:
			w.snapshot(ctx)
		}
	}
}

// finish flushes whatever is buffered and takes a shutdown snapshot so
// the next start resumes from current state without replay.
func (w *Worker) finish(batch []*store.ActionRecord) {
	if len(batch) > 0 {
		if err := w.flush(context.Background(), batch); err != nil {
			w.log.Error().Err(err).Msg("final flush failed")
		}
	}
	w.snapshot(context.Background())
}

// flushWithRetry retries with exponential backoff. The worker never
// drops a batch: it retries until the write lands or, on shutdown,
// makes one final attempt with a fresh context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []*store.ActionRecord) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("archive flush retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt+1).Msg("archive flush recovered")
			}
			return
		} else if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_actions").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []*store.ActionRecord) error {
	start := time.Now()
	if err := w.archive.WriteActionBatch(ctx, batch); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistActionsWritten.Add(float64(len(batch)))
	}
	return nil
}

// snapshot captures the full in-memory state and writes it to the
// archive. A failed snapshot is logged and retried on the next tick;
// the action log alone is enough to rebuild.
func (w *Worker) snapshot(ctx context.Context) {
	start := time.Now()
	if w.guard != nil {
		w.guard.RLock()
	}
	snap := store.Snapshot(w.source)
	if w.annotate != nil {
		w.annotate(snap)
	}
	if w.guard != nil {
		w.guard.RUnlock()
	}
	if err := w.archive.SaveSnapshot(ctx, snap); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
		}
		w.log.Error().Err(err).Msg("snapshot failed")
		return
	}
	if w.metrics != nil {
		w.metrics.SnapshotTaken.Inc()
		w.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	w.log.Debug().Dur("took", time.Since(start)).Msg("snapshot saved")
}
