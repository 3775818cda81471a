// Package retention erases expired queue PHI. Dashboard records and the
// audit trail are never touched; after a purge the pair's non-PHI side
// stays queryable forever.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sapdash/internal/audit"
	"sapdash/internal/blob"
	"sapdash/internal/intake/metrics"
	"sapdash/internal/intake/models"
	txcontext "sapdash/pkg/platform/tx"
)

// DefaultInterval is how often the reaper sweeps for expired records.
const DefaultInterval = time.Hour

// defaultBatchSize bounds one sweep so a large backlog cannot hold a
// sweep open indefinitely; the next tick picks up the rest.
const defaultBatchSize = 500

// QueueStore is the slice of the intake store the reaper drives.
type QueueStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.IntakeQueueRecord, error)
	ClaimForPurge(ctx context.Context, queueID int64, now time.Time) (bool, error)
	ErasePHI(ctx context.Context, queueID int64) error
}

// Reaper claims and erases queue records past their retention expiry. Each
// record is processed independently: claim, delete card blobs, then audit
// and erase in one transaction. A crash mid-record leaves a
// claimed-but-unerased row that the next sweep picks up again.
type Reaper struct {
	store   QueueStore
	blobs   blob.Store
	auditor *audit.Recorder
	runner  txcontext.Runner
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval  time.Duration
	batchSize int
	now       func() time.Time
}

type Option func(r *Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

func New(store QueueStore, blobs blob.Store, auditor *audit.Recorder, runner txcontext.Runner, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		store:     store,
		blobs:     blobs,
		auditor:   auditor,
		runner:    runner,
		logger:    logger,
		interval:  DefaultInterval,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run sweeps on a ticker until the context is cancelled. An immediate
// first sweep clears any backlog left by downtime.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		r.logger.ErrorContext(ctx, "retention sweep failed", "error", err.Error())
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "retention sweep failed", "error", err.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep processes one batch of expired records. Exported for testability;
// the background loop passes wall-clock time.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.now().UTC()
	due, err := r.store.ListExpired(ctx, now, r.batchSize)
	if err != nil {
		return fmt.Errorf("list expired records: %w", err)
	}

	var purged, failed int
	for _, queue := range due {
		if err := r.purgeOne(ctx, queue, now); err != nil {
			failed++
			r.logger.ErrorContext(ctx, "purge failed",
				"queue_id", queue.ID,
				"error", err.Error(),
			)
			continue
		}
		purged++
	}

	if purged > 0 || failed > 0 {
		r.logger.InfoContext(ctx, "retention sweep complete",
			"purged", purged,
			"failed", failed,
		)
	}
	return nil
}

func (r *Reaper) purgeOne(ctx context.Context, queue *models.IntakeQueueRecord, now time.Time) error {
	// A row already claimed (crash leftover) skips straight to erasure.
	if !queue.Purged() {
		claimed, err := r.store.ClaimForPurge(ctx, queue.ID, now)
		if err != nil {
			return fmt.Errorf("claim record: %w", err)
		}
		if !claimed {
			// Another reaper instance won the claim.
			return nil
		}
	}

	// Blob deletes are idempotent, so re-running after a crash is safe.
	for _, handle := range []string{queue.InsuranceCardFront, queue.InsuranceCardBack} {
		if handle == "" {
			continue
		}
		if err := r.blobs.Delete(ctx, handle); err != nil {
			return fmt.Errorf("delete card image: %w", err)
		}
	}

	// The audit entry and the erasure commit together. On failure the row
	// stays claimed but unerased, so the next sweep retries both.
	err := r.runner.RunInTx(ctx, func(ctx context.Context) error {
		err := r.auditor.Record(ctx, audit.Entry{
			Action:       audit.ActionPurge,
			ResourceType: audit.ResourceIntakeQueue,
			ResourceID:   fmt.Sprintf("queue:%d", queue.ID),
			CreatedAt:    now,
			Details: map[string]any{
				"expired_at": queue.ExpiresAt.Format(time.RFC3339),
			},
		})
		if err != nil {
			return fmt.Errorf("audit purge: %w", err)
		}
		if err := r.store.ErasePHI(ctx, queue.ID); err != nil {
			return fmt.Errorf("erase phi: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordsPurged.Inc()
	}
	return nil
}
