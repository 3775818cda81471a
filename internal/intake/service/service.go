// Package service orchestrates the intake lifecycle: public submission,
// status checks, authorized PHI reads and updates, and the peripheral
// aggregates. Every PHI-touching operation resolves the caller's scope
// before any row is fetched.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sapdash/internal/audit"
	"sapdash/internal/blob"
	"sapdash/internal/intake/dupguard"
	"sapdash/internal/intake/metrics"
	"sapdash/internal/intake/models"
	"sapdash/internal/intake/store"
	"sapdash/internal/scope"
	"sapdash/internal/vault"
	dErrors "sapdash/pkg/domain-errors"
	"sapdash/pkg/platform/sentinel"
	txcontext "sapdash/pkg/platform/tx"
	"sapdash/pkg/requestcontext"
)

// DefaultRetention is how long queue PHI lives before the reaper erases it.
const DefaultRetention = 45 * 24 * time.Hour

// Service is the intake ingestion controller and the authorized access
// surface over the dual-record pair.
type Service struct {
	store     store.Store
	directory store.Directory
	agg       store.Aggregates
	codec     codec
	guard     dupguard.Guard
	auditor   *audit.Recorder
	runner    txcontext.Runner
	blobs     blob.Store

	logger    *slog.Logger
	metrics   *metrics.Metrics
	retention time.Duration
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithBlobs lets PHI updates delete card images that a patch replaces.
func WithBlobs(blobs blob.Store) Option {
	return func(s *Service) { s.blobs = blobs }
}

func New(
	st store.Store,
	directory store.Directory,
	agg store.Aggregates,
	v *vault.Vault,
	guard dupguard.Guard,
	auditor *audit.Recorder,
	runner txcontext.Runner,
	opts ...Option,
) *Service {
	s := &Service{
		store:     st,
		directory: directory,
		agg:       agg,
		codec:     codec{vault: v},
		guard:     guard,
		auditor:   auditor,
		runner:    runner,
		logger:    slog.Default(),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SubmitResult is the public acknowledgement of an accepted submission.
type SubmitResult struct {
	Handle uuid.UUID
	Status models.ServiceStatus
}

// Submit runs the full ingestion pipeline in one transaction: validate,
// duplicate-check, resolve the school, encrypt, persist the pair, audit.
// Either everything commits or nothing does.
func (s *Service) Submit(ctx context.Context, sub *models.Submission) (*SubmitResult, error) {
	start := time.Now()
	if s.metrics != nil {
		defer s.metrics.ObserveSubmit(start)
	}

	if err := sub.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.IncrementRejected("validation")
		}
		return nil, err
	}

	digest := models.IdentityDigest(
		sub.Student.FirstName, sub.Student.LastName,
		sub.Student.DateOfBirth, sub.Contact.ParentEmail,
	)
	seen, err := s.guard.Seen(ctx, digest)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "duplicate check")
	}
	if seen {
		if s.metrics != nil {
			s.metrics.DuplicatesBlocked.Inc()
			s.metrics.IncrementRejected("duplicate")
		}
		return nil, dErrors.New(dErrors.CodeConflict, "a matching submission was received moments ago")
	}

	now := requestcontext.Now(ctx)
	handle := uuid.New()

	rec := &models.DashboardRecord{
		Handle:           handle,
		GradeBand:        models.GradeBand(sub.Student.Grade),
		ReferralSource:   sub.ReferralSource,
		OptInType:        models.OptInTypeFor(sub.ServiceRequestType),
		ReferralDate:     now,
		FiscalPeriod:     models.FiscalPeriod(now),
		InsurancePresent: sub.Insurance.HasInsurance,
		ServiceStatus:    models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	queue := &models.IntakeQueueRecord{
		IdentityDigest: digest,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.retention),
	}
	if err := s.codec.encryptSubmission(queue, sub); err != nil {
		return nil, err
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		school, err := s.directory.ResolveSchool(ctx, sub.Student.School, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "resolve school")
		}
		rec.DistrictID = school.DistrictID
		rec.SchoolID = school.ID

		if err := s.store.CreateIntake(ctx, rec, queue); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "submission already recorded")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist intake")
		}

		return s.auditor.Record(ctx, audit.Entry{
			Action:       audit.ActionCreate,
			ResourceType: audit.ResourceIntakeQueue,
			ResourceID:   handle.String(),
			DistrictID:   &rec.DistrictID,
			Details: map[string]any{
				"grade_band":    rec.GradeBand,
				"opt_in_type":   string(rec.OptInType),
				"fiscal_period": rec.FiscalPeriod,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.guard.Mark(ctx, digest); err != nil {
		// The committed row itself backs the store guard; only the Redis
		// window narrows if this fails.
		s.logger.WarnContext(ctx, "failed to mark duplicate window",
			"error", err, "request_id", requestcontext.RequestID(ctx))
	}

	if s.metrics != nil {
		s.metrics.SubmissionsAccepted.Inc()
	}
	s.logger.InfoContext(ctx, "intake submission accepted",
		"handle", handle.String(),
		"district_id", rec.DistrictID,
		"school_id", rec.SchoolID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return &SubmitResult{Handle: handle, Status: models.StatusPending}, nil
}

// StatusView is the public, PHI-free view of one submission.
type StatusView struct {
	Handle      uuid.UUID
	Status      models.ServiceStatus
	SubmittedAt time.Time
	ProcessedAt *time.Time
}

// Status resolves a handle to its external status. Public and anonymous:
// no PHI, no scope check, and nothing beyond existence is revealed.
func (s *Service) Status(ctx context.Context, handle uuid.UUID) (*StatusView, error) {
	rec, err := s.store.GetByHandle(ctx, handle)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "submission not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load submission")
	}

	view := &StatusView{
		Handle:      rec.Handle,
		Status:      rec.ServiceStatus.External(),
		SubmittedAt: rec.CreatedAt,
	}
	// Processing metadata outlives the purge; it carries no PHI.
	if info, err := s.store.QueueProcessing(ctx, handle); err == nil {
		view.ProcessedAt = info.ProcessedAt
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load processing metadata")
	}
	return view, nil
}

// authorize loads the dashboard side of a handle and verifies the caller's
// scope against it. PHI is only fetched after this returns; a denied caller
// learns nothing, not even whether the handle exists outside their scope.
func (s *Service) authorize(ctx context.Context, handle uuid.UUID) (*models.DashboardRecord, scope.Principal, error) {
	principal, ok := requestcontext.Principal(ctx)
	if !ok {
		return nil, scope.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	filter, err := scope.Resolve(principal, scope.Request{})
	if err != nil {
		return nil, principal, err
	}

	rec, err := s.store.GetByHandle(ctx, handle)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, principal, dErrors.New(dErrors.CodeNotFound, "submission not found")
	}
	if err != nil {
		return nil, principal, dErrors.Wrap(err, dErrors.CodeInternal, "load submission")
	}
	if !filter.AllowsDistrict(rec.DistrictID) {
		return nil, principal, dErrors.New(dErrors.CodeForbidden, "access denied")
	}
	return rec, principal, nil
}

// Details returns the decrypted PHI view for an authorized caller and
// audits the read. A purged queue record reads as not found even though
// the dashboard side still exists.
func (s *Service) Details(ctx context.Context, handle uuid.UUID) (*models.QueueView, error) {
	start := time.Now()
	if s.metrics != nil {
		defer s.metrics.ObserveDetails(start)
	}

	rec, principal, err := s.authorize(ctx, handle)
	if err != nil {
		return nil, err
	}

	queue, err := s.store.GetQueueByHandle(ctx, handle)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "intake details no longer available")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load intake details")
	}

	view, err := s.codec.decryptQueue(queue, handle.String())
	if err != nil {
		if s.metrics != nil && dErrors.HasCode(err, dErrors.CodeVault) {
			s.metrics.DecryptFailures.Inc()
		}
		return nil, err
	}
	view.Insurance.HasInsurance = rec.InsurancePresent

	err = s.auditor.Record(ctx, audit.Entry{
		ActorID:      &principal.ID,
		Action:       audit.ActionView,
		ResourceType: audit.ResourceIntakeQueue,
		ResourceID:   handle.String(),
		DistrictID:   &rec.DistrictID,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "audit view")
	}
	return view, nil
}

// UpdatePHI replaces each supplied section of the queue record. Updates
// never extend the retention clock.
func (s *Service) UpdatePHI(ctx context.Context, handle uuid.UUID, patch *models.PHIPatch) error {
	if patch.Empty() {
		return dErrors.New(dErrors.CodeBadRequest, "update contains no sections")
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	rec, principal, err := s.authorize(ctx, handle)
	if err != nil {
		return err
	}

	var staleBlobs []string
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		queue, err := s.store.GetQueueByHandle(ctx, handle)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "intake details no longer available")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load intake details")
		}
		prevFront, prevBack := queue.InsuranceCardFront, queue.InsuranceCardBack

		if err := s.codec.applyPatch(queue, patch); err != nil {
			return err
		}
		if patch.Student != nil || patch.Contact != nil {
			digest, err := s.refreshDigest(queue, patch)
			if err != nil {
				return err
			}
			queue.IdentityDigest = digest
		}

		staleBlobs = staleBlobs[:0]
		for _, prev := range []struct{ old, new string }{
			{prevFront, queue.InsuranceCardFront},
			{prevBack, queue.InsuranceCardBack},
		} {
			if prev.old != "" && prev.old != prev.new {
				staleBlobs = append(staleBlobs, prev.old)
			}
		}

		if err := s.store.ReplaceQueuePHI(ctx, queue); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "intake details no longer available")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "replace intake details")
		}
		if patch.Insurance != nil {
			if err := s.store.SetInsurancePresent(ctx, rec.ID, patch.Insurance.HasInsurance, requestcontext.Now(ctx)); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "update insurance flag")
			}
		}

		return s.auditor.Record(ctx, audit.Entry{
			ActorID:      &principal.ID,
			Action:       audit.ActionUpdate,
			ResourceType: audit.ResourceIntakeQueue,
			ResourceID:   handle.String(),
			DistrictID:   &rec.DistrictID,
			Details:      map[string]any{"sections": patch.Sections()},
		})
	})
	if err != nil {
		return err
	}

	// Replaced card images are deleted only after the commit; a rolled-back
	// update must keep its blobs readable.
	if s.blobs != nil {
		for _, stale := range staleBlobs {
			if err := s.blobs.Delete(ctx, stale); err != nil {
				s.logger.WarnContext(ctx, "delete replaced card image failed",
					"error", err.Error(), "request_id", requestcontext.RequestID(ctx))
			}
		}
	}
	return nil
}

// refreshDigest recomputes the duplicate-guard digest after an identity
// section change. Sections not in the patch keep their stored values, which
// requires a decrypt of the untouched identity columns. A decrypt failure
// fails the update; a digest built from blanks would stop matching resubmits.
func (s *Service) refreshDigest(queue *models.IntakeQueueRecord, patch *models.PHIPatch) (string, error) {
	var first, last, dob, email string
	var err error
	if patch.Student != nil {
		first, last, dob = patch.Student.FirstName, patch.Student.LastName, patch.Student.DateOfBirth
	} else {
		if first, err = s.codec.open(queue.StudentFirstName); err != nil {
			return "", err
		}
		if last, err = s.codec.open(queue.StudentLastName); err != nil {
			return "", err
		}
		if dob, err = s.codec.open(queue.DateOfBirth); err != nil {
			return "", err
		}
	}
	if patch.Contact != nil {
		email = patch.Contact.ParentEmail
	} else if email, err = s.codec.open(queue.ParentEmail); err != nil {
		return "", err
	}
	return models.IdentityDigest(first, last, dob, email), nil
}

// UpdateStatus drives the status state machine. Transition to a
// processed-facing status marks the queue side exactly once; the call is
// audited every time, including no-op re-invocations.
func (s *Service) UpdateStatus(ctx context.Context, handle uuid.UUID, rawStatus string) (models.ServiceStatus, error) {
	status, err := models.ParseServiceStatus(rawStatus)
	if err != nil {
		return "", err
	}

	rec, principal, err := s.authorize(ctx, handle)
	if err != nil {
		return "", err
	}

	now := requestcontext.Now(ctx)
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateDashboardStatus(ctx, rec.ID, status, now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "update status")
		}

		if status.IsProcessedFacing() {
			queue, err := s.store.GetQueueByHandle(ctx, handle)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeInternal, "load queue record")
			}
			// A purged queue has nothing left to mark.
			if err == nil && queue.MarkProcessed(now, principal.ID) {
				if err := s.store.UpdateQueueProcessing(ctx, queue); err != nil {
					return dErrors.Wrap(err, dErrors.CodeInternal, "mark queue processed")
				}
			}
		}

		return s.auditor.Record(ctx, audit.Entry{
			ActorID:      &principal.ID,
			Action:       audit.ActionUpdateStatus,
			ResourceType: audit.ResourceIntakeStatus,
			ResourceID:   handle.String(),
			DistrictID:   &rec.DistrictID,
			Details: map[string]any{
				"status":          string(status),
				"previous_status": string(rec.ServiceStatus),
			},
		})
	})
	if err != nil {
		return "", err
	}
	return status.External(), nil
}

// Summary returns the scoped district/school aggregate counts.
func (s *Service) Summary(ctx context.Context, req scope.Request) ([]*store.DistrictSummary, error) {
	principal, ok := requestcontext.Principal(ctx)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	filter, err := scope.Resolve(principal, req)
	if err != nil {
		return nil, err
	}
	summaries, err := s.agg.Summary(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load summary")
	}
	return summaries, nil
}

// Districts lists the reference hierarchy visible to the caller.
func (s *Service) Districts(ctx context.Context) ([]*models.District, error) {
	principal, ok := requestcontext.Principal(ctx)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	filter, err := scope.Resolve(principal, scope.Request{})
	if err != nil {
		return nil, err
	}
	districts, err := s.directory.ListDistricts(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list districts")
	}
	return districts, nil
}

// Schools lists a district's schools, scope permitting.
func (s *Service) Schools(ctx context.Context, districtID int64) ([]*models.School, error) {
	principal, ok := requestcontext.Principal(ctx)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if _, err := scope.Resolve(principal, scope.Request{DistrictID: &districtID}); err != nil {
		return nil, err
	}
	schools, err := s.directory.ListSchools(ctx, districtID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list schools")
	}
	return schools, nil
}

// AddSession appends a delivered-session row and bumps the dashboard count.
func (s *Service) AddSession(ctx context.Context, handle uuid.UUID, sessionDate time.Time, sessionType string) error {
	rec, principal, err := s.authorize(ctx, handle)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	return s.runner.RunInTx(ctx, func(ctx context.Context) error {
		session := &models.Session{
			DashboardRecordID: rec.ID,
			SessionDate:       sessionDate,
			SessionType:       sessionType,
			CreatedBy:         principal.ID,
			CreatedAt:         now,
		}
		if err := s.agg.AddSession(ctx, session); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "add session")
		}
		return s.auditor.Record(ctx, audit.Entry{
			ActorID:      &principal.ID,
			Action:       audit.ActionCreate,
			ResourceType: audit.ResourceSession,
			ResourceID:   handle.String(),
			DistrictID:   &rec.DistrictID,
			Details:      map[string]any{"session_type": sessionType},
		})
	})
}

// AddOutcome appends an outcome measurement and flags the dashboard record.
func (s *Service) AddOutcome(ctx context.Context, handle uuid.UUID, outcomeType, outcomeValue string, measuredDate time.Time) error {
	rec, principal, err := s.authorize(ctx, handle)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	return s.runner.RunInTx(ctx, func(ctx context.Context) error {
		outcome := &models.Outcome{
			DashboardRecordID: rec.ID,
			OutcomeType:       outcomeType,
			OutcomeValue:      outcomeValue,
			MeasuredDate:      measuredDate,
			CreatedAt:         now,
		}
		if err := s.agg.AddOutcome(ctx, outcome); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "add outcome")
		}
		return s.auditor.Record(ctx, audit.Entry{
			ActorID:      &principal.ID,
			Action:       audit.ActionCreate,
			ResourceType: audit.ResourceOutcome,
			ResourceID:   handle.String(),
			DistrictID:   &rec.DistrictID,
			Details:      map[string]any{"outcome_type": outcomeType},
		})
	})
}
