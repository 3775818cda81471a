// Package dupguard rejects re-submissions of the same student identity
// inside a short window. Matching is by one-way identity digest, never by
// decrypting stored PHI.
package dupguard

import (
	"context"
	"time"
)

// DefaultWindow is how long after a submission an identical identity
// tuple is treated as a duplicate.
const DefaultWindow = 5 * time.Minute

// Guard answers whether a digest was seen recently and records new ones.
type Guard interface {
	// Seen reports whether the digest was recorded inside the window.
	Seen(ctx context.Context, digest string) (bool, error)
	// Mark records the digest as just seen. The store-backed guard is a
	// no-op here because the queue insert itself is the record.
	Mark(ctx context.Context, digest string) error
}

// DigestIndex is the slice of the queue store the guard needs.
type DigestIndex interface {
	HasRecentDigest(ctx context.Context, digest string, since time.Time) (bool, error)
}

// StoreGuard scans queue rows created inside the window. It needs no
// separate write path: once the submission commits, its digest is visible
// to the next scan.
type StoreGuard struct {
	index  DigestIndex
	window time.Duration
	now    func() time.Time
}

func NewStoreGuard(index DigestIndex, window time.Duration) *StoreGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &StoreGuard{index: index, window: window, now: time.Now}
}

func (g *StoreGuard) Seen(ctx context.Context, digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	return g.index.HasRecentDigest(ctx, digest, g.now().UTC().Add(-g.window))
}

func (g *StoreGuard) Mark(context.Context, string) error { return nil }
