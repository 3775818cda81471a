//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"sapdash/internal/intake/models"
	"sapdash/internal/intake/store"
	"sapdash/internal/scope"
	"sapdash/pkg/platform/sentinel"
	"sapdash/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres

	districtID int64
	schoolID   int64
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"audit_logs", "outcomes", "sessions", "intake_queue",
		"dashboard_records", "schools", "districts",
	)
	s.Require().NoError(err)

	now := time.Now().UTC()
	err = s.postgres.DB.QueryRowContext(ctx, `
		INSERT INTO districts (name, code, region, is_active, created_at, updated_at)
		VALUES ('North Valley', 'NV', 'West', TRUE, $1, $1)
		RETURNING id
	`, now).Scan(&s.districtID)
	s.Require().NoError(err)

	err = s.postgres.DB.QueryRowContext(ctx, `
		INSERT INTO schools (district_id, name, code, grade_bands, is_active, created_at, updated_at)
		VALUES ($1, 'Ridge Elementary', 'SCH_A1B2C3D4', '{"K-5"}', TRUE, $2, $2)
		RETURNING id
	`, s.districtID, now).Scan(&s.schoolID)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newPair(handle uuid.UUID, now time.Time) (*models.DashboardRecord, *models.IntakeQueueRecord) {
	rec := &models.DashboardRecord{
		Handle:        handle,
		DistrictID:    s.districtID,
		SchoolID:      s.schoolID,
		GradeBand:     "K-5",
		OptInType:     models.OptInImmediateService,
		ReferralDate:  now,
		FiscalPeriod:  "FY2026-Q1",
		ServiceStatus: models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	queue := &models.IntakeQueueRecord{
		StudentFirstName: []byte("ciphertext-first"),
		StudentLastName:  []byte("ciphertext-last"),
		IdentityDigest:   "digest-" + handle.String(),
		CreatedAt:        now,
		ExpiresAt:        now.Add(45 * 24 * time.Hour),
	}
	return rec, queue
}

func (s *PostgresStoreSuite) TestCreateAndFetchPair() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	handle := uuid.New()
	rec, queue := s.newPair(handle, now)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))
	s.NotZero(rec.ID)
	s.Equal(rec.ID, queue.DashboardRecordID)

	got, err := s.store.GetByHandle(ctx, handle)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(models.StatusPending, got.ServiceStatus)

	gotQueue, err := s.store.GetQueueByHandle(ctx, handle)
	s.Require().NoError(err)
	s.Equal([]byte("ciphertext-first"), gotQueue.StudentFirstName)
	s.False(gotQueue.Processed)
}

func (s *PostgresStoreSuite) TestDuplicateHandleConflicts() {
	ctx := context.Background()
	now := time.Now().UTC()

	handle := uuid.New()
	rec, queue := s.newPair(handle, now)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))

	rec2, queue2 := s.newPair(handle, now)
	err := s.store.CreateIntake(ctx, rec2, queue2)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestPurgeLeavesDashboardQueryable() {
	ctx := context.Background()
	now := time.Now().UTC()

	handle := uuid.New()
	rec, queue := s.newPair(handle, now)
	queue.ExpiresAt = now.Add(-time.Hour)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))

	claimed, err := s.store.ClaimForPurge(ctx, queue.ID, now)
	s.Require().NoError(err)
	s.True(claimed)
	s.Require().NoError(s.store.ErasePHI(ctx, queue.ID))

	_, err = s.store.GetQueueByHandle(ctx, handle)
	s.ErrorIs(err, sentinel.ErrNotFound)

	got, err := s.store.GetByHandle(ctx, handle)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	info, err := s.store.QueueProcessing(ctx, handle)
	s.Require().NoError(err)
	s.False(info.Processed)
}

func (s *PostgresStoreSuite) TestConcurrentClaimForPurge() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec, queue := s.newPair(uuid.New(), now)
	queue.ExpiresAt = now.Add(-time.Hour)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))

	const goroutines = 20
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.store.ClaimForPurge(ctx, queue.ID, time.Now().UTC())
			if err == nil && claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load(), "exactly one claimer must win")
}

func (s *PostgresStoreSuite) TestListExpiredIncludesStuckClaims() {
	ctx := context.Background()
	now := time.Now().UTC()

	expired, expiredQ := s.newPair(uuid.New(), now)
	expiredQ.ExpiresAt = now.Add(-24 * time.Hour)
	s.Require().NoError(s.store.CreateIntake(ctx, expired, expiredQ))

	fresh, freshQ := s.newPair(uuid.New(), now)
	s.Require().NoError(s.store.CreateIntake(ctx, fresh, freshQ))

	stuck, stuckQ := s.newPair(uuid.New(), now)
	stuckQ.ExpiresAt = now.Add(-48 * time.Hour)
	s.Require().NoError(s.store.CreateIntake(ctx, stuck, stuckQ))
	claimed, err := s.store.ClaimForPurge(ctx, stuckQ.ID, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().True(claimed)

	done, doneQ := s.newPair(uuid.New(), now)
	doneQ.ExpiresAt = now.Add(-72 * time.Hour)
	s.Require().NoError(s.store.CreateIntake(ctx, done, doneQ))
	_, err = s.store.ClaimForPurge(ctx, doneQ.ID, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.ErasePHI(ctx, doneQ.ID))

	due, err := s.store.ListExpired(ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(stuckQ.ID, due[0].ID)
	s.Equal(expiredQ.ID, due[1].ID)
}

func (s *PostgresStoreSuite) TestHasRecentDigestWindow() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec, queue := s.newPair(uuid.New(), now.Add(-2*time.Minute))
	queue.IdentityDigest = "abc123"
	queue.CreatedAt = now.Add(-2 * time.Minute)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))

	hit, err := s.store.HasRecentDigest(ctx, "abc123", now.Add(-5*time.Minute))
	s.Require().NoError(err)
	s.True(hit)

	hit, err = s.store.HasRecentDigest(ctx, "abc123", now.Add(-time.Minute))
	s.Require().NoError(err)
	s.False(hit)
}

func (s *PostgresStoreSuite) TestResolveSchoolAutoCreatesUnderDefaultDistrict() {
	ctx := context.Background()
	now := time.Now().UTC()

	school, err := s.store.ResolveSchool(ctx, "Hillcrest Middle", now)
	s.Require().NoError(err)
	s.Regexp(`^SCH_[0-9A-F]{8}$`, school.Code)

	again, err := s.store.ResolveSchool(ctx, "HILLCREST MIDDLE", now)
	s.Require().NoError(err)
	s.Equal(school.ID, again.ID)

	districts, err := s.store.ListDistricts(ctx, scope.Filter{})
	s.Require().NoError(err)
	codes := make([]string, 0, len(districts))
	for _, d := range districts {
		codes = append(codes, d.Code)
	}
	s.Contains(codes, "DEFAULT")
}

func (s *PostgresStoreSuite) TestSummaryRollsUp() {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, status := range []models.ServiceStatus{models.StatusActive, models.StatusPending} {
		rec, queue := s.newPair(uuid.New(), now)
		rec.ServiceStatus = status
		s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))
	}

	summaries, err := s.store.Summary(ctx, scope.Filter{DistrictID: &s.districtID})
	s.Require().NoError(err)
	s.Require().Len(summaries, 1)
	s.Equal(2, summaries[0].TotalStudents)
	s.Equal(1, summaries[0].ActiveStudents)
	s.Require().Len(summaries[0].Schools, 1)
	s.Equal(2, summaries[0].Schools[0].TotalStudents)
}

func (s *PostgresStoreSuite) TestSessionAndOutcomeRollUps() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec, queue := s.newPair(uuid.New(), now)
	s.Require().NoError(s.store.CreateIntake(ctx, rec, queue))

	session := &models.Session{DashboardRecordID: rec.ID, SessionDate: now, SessionType: "individual", CreatedBy: "staff-1", CreatedAt: now}
	s.Require().NoError(s.store.AddSession(ctx, session))
	s.NotZero(session.ID)

	outcome := &models.Outcome{DashboardRecordID: rec.ID, OutcomeType: "attendance", OutcomeValue: "improved", MeasuredDate: now, CreatedAt: now}
	s.Require().NoError(s.store.AddOutcome(ctx, outcome))

	got, err := s.store.GetByHandle(ctx, rec.Handle)
	s.Require().NoError(err)
	s.Equal(1, got.SessionCount)
	s.True(got.OutcomeCollected)
}
