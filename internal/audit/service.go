package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"sapdash/pkg/requestcontext"
)

// Store persists audit entries. Implementations join an open transaction
// from context when one is present, so a data write and its audit entry
// commit together or not at all.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error)
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
}

// Recorder captures structured audit entries. It fills request metadata
// (IP, user agent, timestamp) from context so call sites state only what
// happened.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends one entry. The error is returned, not swallowed: callers
// inside a transaction must fail the whole operation if the audit write
// fails.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = requestcontext.Now(ctx)
	}
	if entry.SourceIP == "" {
		entry.SourceIP = requestcontext.ClientIP(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = requestcontext.UserAgent(ctx)
	}
	if fam := requestcontext.UAFamily(ctx); fam != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		if _, ok := entry.Details["ua_family"]; !ok {
			entry.Details["ua_family"] = fam
		}
	}

	if err := r.store.Append(ctx, &entry); err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.InfoContext(ctx, string(entry.Action),
			"log_type", "audit",
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return nil
}

// ListByResource returns the trail for one resource, newest first.
func (r *Recorder) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error) {
	return r.store.ListByResource(ctx, resourceType, resourceID)
}
