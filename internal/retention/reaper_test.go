package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sapdash/internal/audit"
	auditstore "sapdash/internal/audit/store"
	"sapdash/internal/blob"
	"sapdash/internal/intake/models"
	"sapdash/internal/intake/store"
	"sapdash/pkg/platform/sentinel"
	txcontext "sapdash/pkg/platform/tx"
)

type harness struct {
	reaper *Reaper
	store  *store.Memory
	blobs  *blob.Memory
	audits *auditstore.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	blobs := blob.NewMemory()
	audits := auditstore.NewMemory()
	reaper := New(mem, blobs, audit.NewRecorder(audits, nil), txcontext.NoopRunner{}, nil)
	return &harness{reaper: reaper, store: mem, blobs: blobs, audits: audits}
}

func (h *harness) seedRecord(t *testing.T, expiresAt time.Time, cardHandles bool) (*models.DashboardRecord, *models.IntakeQueueRecord) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	d := h.store.SeedDistrict(&models.District{Name: "D", Code: "D1", IsActive: true, CreatedAt: now, UpdatedAt: now})
	s := h.store.SeedSchool(&models.School{DistrictID: d.ID, Name: "S " + uuid.NewString(), Code: "SCH_" + uuid.NewString()[:8], IsActive: true, CreatedAt: now, UpdatedAt: now})

	rec := &models.DashboardRecord{
		Handle: uuid.New(), DistrictID: d.ID, SchoolID: s.ID,
		GradeBand: "K-5", OptInType: models.OptInImmediateService,
		ReferralDate: now, FiscalPeriod: "FY2026-Q1",
		ServiceStatus: models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	queue := &models.IntakeQueueRecord{
		StudentFirstName: []byte("ciphertext"),
		IdentityDigest:   "digest-" + uuid.NewString(),
		CreatedAt:        now.Add(-46 * 24 * time.Hour),
		ExpiresAt:        expiresAt,
	}
	if cardHandles {
		front, err := h.blobs.Put(ctx, []byte("front"), "image/jpeg")
		require.NoError(t, err)
		back, err := h.blobs.Put(ctx, []byte("back"), "image/jpeg")
		require.NoError(t, err)
		queue.InsuranceCardFront = front
		queue.InsuranceCardBack = back
	}
	require.NoError(t, h.store.CreateIntake(ctx, rec, queue))
	return rec, queue
}

func TestSweepErasesExpiredAndAudits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec, queue := h.seedRecord(t, now.Add(-time.Hour), true)
	fresh, _ := h.seedRecord(t, now.Add(24*time.Hour), false)

	require.NoError(t, h.reaper.Sweep(ctx))

	// Expired queue record is gone; dashboard record survives.
	_, err := h.store.GetQueueByHandle(ctx, rec.Handle)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	got, err := h.store.GetByHandle(ctx, rec.Handle)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// Card blobs purged with the PHI.
	assert.Equal(t, 0, h.blobs.Len())

	// Unexpired record untouched.
	_, err = h.store.GetQueueByHandle(ctx, fresh.Handle)
	assert.NoError(t, err)

	entries := h.audits.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionPurge, entries[0].Action)
	assert.Nil(t, entries[0].ActorID)
	_ = queue
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedRecord(t, time.Now().UTC().Add(-time.Hour), false)

	require.NoError(t, h.reaper.Sweep(ctx))
	require.NoError(t, h.reaper.Sweep(ctx))

	// Exactly one purge audit entry despite two sweeps.
	assert.Len(t, h.audits.All(), 1)
}

type flakyAuditStore struct {
	*auditstore.Memory
	failures int
}

func (f *flakyAuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("audit unavailable")
	}
	return f.Memory.Append(ctx, entry)
}

func TestSweepKeepsPHIWhenAuditFails(t *testing.T) {
	mem := store.NewMemory()
	blobs := blob.NewMemory()
	flaky := &flakyAuditStore{Memory: auditstore.NewMemory(), failures: 1}
	reaper := New(mem, blobs, audit.NewRecorder(flaky, nil), txcontext.NoopRunner{}, nil)
	h := &harness{reaper: reaper, store: mem, blobs: blobs, audits: flaky.Memory}

	ctx := context.Background()
	rec, _ := h.seedRecord(t, time.Now().UTC().Add(-time.Hour), false)

	// First sweep: the audit append fails, so the ciphertext must survive
	// and the row must stay listed for retry. No purge entry may exist.
	require.NoError(t, h.reaper.Sweep(ctx))
	due, err := h.store.ListExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("ciphertext"), due[0].StudentFirstName)
	assert.Empty(t, h.audits.All())

	// Second sweep retries the claimed row and completes the purge.
	require.NoError(t, h.reaper.Sweep(ctx))
	_, err = h.store.GetQueueByHandle(ctx, rec.Handle)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	entries := h.audits.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionPurge, entries[0].Action)
}

func TestSweepResumesCrashedClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec, queue := h.seedRecord(t, now.Add(-time.Hour), false)

	// Simulate a crash between claim and erase: the row is claimed but
	// its ciphertext is intact.
	claimed, err := h.store.ClaimForPurge(ctx, queue.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, h.reaper.Sweep(ctx))

	_, err = h.store.GetQueueByHandle(ctx, rec.Handle)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Len(t, h.audits.All(), 1)
}

func TestSweepHonorsBatchLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		h.seedRecord(t, now.Add(-time.Duration(i+1)*time.Hour), false)
	}
	h.reaper.batchSize = 2

	require.NoError(t, h.reaper.Sweep(ctx))
	assert.Len(t, h.audits.All(), 2)

	require.NoError(t, h.reaper.Sweep(ctx))
	assert.Len(t, h.audits.All(), 3)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	h.reaper.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reaper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
