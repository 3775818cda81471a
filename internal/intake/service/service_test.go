package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sapdash/internal/audit"
	auditstore "sapdash/internal/audit/store"
	"sapdash/internal/blob"
	"sapdash/internal/intake/dupguard"
	"sapdash/internal/intake/models"
	"sapdash/internal/intake/service"
	"sapdash/internal/intake/store"
	"sapdash/internal/scope"
	"sapdash/internal/vault"
	dErrors "sapdash/pkg/domain-errors"
	txcontext "sapdash/pkg/platform/tx"
	"sapdash/pkg/requestcontext"
)

type fixture struct {
	svc    *service.Service
	store  *store.Memory
	audits *auditstore.Memory
	blobs  *blob.Memory
	vault  *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v, err := vault.New(vault.StaticSecretSource([]byte("unit-test-master-secret")))
	require.NoError(t, err)

	mem := store.NewMemory()
	audits := auditstore.NewMemory()
	recorder := audit.NewRecorder(audits, nil)
	guard := dupguard.NewStoreGuard(mem, 5*time.Minute)
	blobs := blob.NewMemory()

	svc := service.New(mem, mem, mem, v, guard, recorder, txcontext.NoopRunner{},
		service.WithBlobs(blobs))
	return &fixture{svc: svc, store: mem, audits: audits, blobs: blobs, vault: v}
}

func validSubmission() *models.Submission {
	return &models.Submission{
		Student: models.StudentInfo{
			FirstName:   "Jamie",
			LastName:    "Rivera",
			FullName:    "Jamie Rivera",
			Grade:       "10th",
			School:      "Hillcrest High",
			DateOfBirth: "2010-03-14",
		},
		Contact: models.ContactInfo{
			ParentName:  "Alex Rivera",
			ParentEmail: "alex.rivera@example.com",
			ParentPhone: "555-0100",
		},
		ServiceRequestType: models.RequestStartNow,
		Needs: models.ServiceNeeds{
			Categories:     []string{"Mental Health Counseling"},
			Severity:       models.SeverityModerate,
			NeededServices: []string{"Individual counseling"},
		},
		AuthorizationConsent: true,
	}
}

func adminCtx(t *testing.T) context.Context {
	t.Helper()
	return requestcontext.WithPrincipal(context.Background(), scope.Principal{
		ID:   "admin-1",
		Role: scope.RoleGlobalAdmin,
	})
}

func staffCtx(t *testing.T, districtID int64) context.Context {
	t.Helper()
	return requestcontext.WithPrincipal(context.Background(), scope.Principal{
		ID:             "staff-1",
		Role:           scope.RoleDistrictStaff,
		HomeDistrictID: &districtID,
	})
}

func (f *fixture) auditActions() []audit.Action {
	var actions []audit.Action
	for _, e := range f.audits.All() {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestSubmitCreatesPairAndAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.Handle)
	assert.Equal(t, models.StatusPending, res.Status)

	rec, err := f.store.GetByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, "9-12", rec.GradeBand)
	assert.Equal(t, models.OptInImmediateService, rec.OptInType)
	assert.Equal(t, models.StatusPending, rec.ServiceStatus)

	queue, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.NotEmpty(t, queue.IdentityDigest)
	assert.NotEmpty(t, queue.StudentFirstName)
	assert.NotContains(t, string(queue.StudentFirstName), "Jamie",
		"stored column must be ciphertext, not plaintext")
	assert.True(t, queue.ExpiresAt.After(queue.CreatedAt))

	entries := f.audits.All()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, res.Handle.String(), entries[0].ResourceID)
	assert.Nil(t, entries[0].ActorID, "public submission is anonymous")
	for _, value := range entries[0].Details {
		assert.NotContains(t, value, "Jamie", "audit details must never carry PHI")
	}
}

func TestSubmitValidationFailure(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.AuthorizationConsent = false
	sub.Needs.Severity = "extreme"

	_, err := f.svc.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	fields := dErrors.FieldsOf(err)
	assert.Contains(t, fields, "authorization_consent")
	assert.Contains(t, fields, "service_needs.severity")

	// Nothing was persisted and nothing was audited.
	assert.Empty(t, f.audits.All())
}

func TestSubmitDuplicateWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, validSubmission())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

	// Identity matching is case-insensitive.
	shouting := validSubmission()
	shouting.Student.FirstName = "JAMIE"
	shouting.Contact.ParentEmail = "ALEX.RIVERA@example.com"
	_, err = f.svc.Submit(ctx, shouting)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestSubmitSameIdentityAfterWindow(t *testing.T) {
	f := newFixture(t)

	// First submission stamped ten minutes in the past.
	past := requestcontext.WithTime(context.Background(), time.Now().UTC().Add(-10*time.Minute))
	_, err := f.svc.Submit(past, validSubmission())
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), validSubmission())
	assert.NoError(t, err, "window expired; identical identity is accepted")
}

func TestStatusIsPublicAndNonPHI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	view, err := f.svc.Status(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)

	_, err = f.svc.Status(ctx, uuid.New())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestDetailsDecryptsForAuthorizedCaller(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	view, err := f.svc.Details(adminCtx(t), res.Handle)
	require.NoError(t, err)
	assert.Equal(t, "Jamie", view.Student.FirstName)
	assert.Equal(t, "alex.rivera@example.com", view.Contact.ParentEmail)
	assert.Equal(t, []string{"Mental Health Counseling"}, view.Needs.Categories)
	assert.False(t, view.Processed)

	assert.Equal(t, []audit.Action{audit.ActionCreate, audit.ActionView}, f.auditActions())
}

func TestDetailsRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	_, err = f.svc.Details(context.Background(), res.Handle)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestDetailsForbiddenOutsideScopeBeforePHIFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	rec, err := f.store.GetByHandle(ctx, res.Handle)
	require.NoError(t, err)

	_, err = f.svc.Details(staffCtx(t, rec.DistrictID+100), res.Handle)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

	// The denial itself produced no view audit entry.
	assert.Equal(t, []audit.Action{audit.ActionCreate}, f.auditActions())
}

func TestDetailsAfterPurgeIsNotFoundWhileStatusSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	queue, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	claimed, err := f.store.ClaimForPurge(ctx, queue.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.store.ErasePHI(ctx, queue.ID))

	_, err = f.svc.Details(adminCtx(t), res.Handle)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	view, err := f.svc.Status(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)
}

func TestUpdateStatusAliasCollapsesExternally(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	external, err := f.svc.UpdateStatus(adminCtx(t), res.Handle, "completed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, external)

	view, err := f.svc.Status(context.Background(), res.Handle)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, view.Status)

	_, err = f.svc.UpdateStatus(adminCtx(t), res.Handle, "archived")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestUpdateStatusProcessedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	first := time.Now().UTC().Truncate(time.Second)
	firstCtx := requestcontext.WithTime(adminCtx(t), first)
	_, err = f.svc.UpdateStatus(firstCtx, res.Handle, "processed")
	require.NoError(t, err)

	queue, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	require.True(t, queue.Processed)
	require.NotNil(t, queue.ProcessedAt)
	assert.Equal(t, first, *queue.ProcessedAt)
	require.NotNil(t, queue.ProcessedBy)
	assert.Equal(t, "admin-1", *queue.ProcessedBy)

	// Second invocation: audited again, queue-side values unchanged.
	laterCtx := requestcontext.WithTime(adminCtx(t), first.Add(time.Hour))
	_, err = f.svc.UpdateStatus(laterCtx, res.Handle, "cancelled")
	require.NoError(t, err)

	queue, err = f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, first, *queue.ProcessedAt, "processed_at stays fixed at first transition")
	assert.Equal(t, "admin-1", *queue.ProcessedBy)

	actions := f.auditActions()
	assert.Equal(t, []audit.Action{audit.ActionCreate, audit.ActionUpdateStatus, audit.ActionUpdateStatus}, actions)

	entries := f.audits.All()
	assert.Equal(t, "processed", entries[1].Details["status"])
	assert.Equal(t, "pending", entries[1].Details["previous_status"])
	assert.Equal(t, "cancelled", entries[2].Details["status"])
	assert.Equal(t, "processed", entries[2].Details["previous_status"])

	view, err := f.svc.Status(ctx, res.Handle)
	require.NoError(t, err)
	require.NotNil(t, view.ProcessedAt)
	assert.Equal(t, first, *view.ProcessedAt)
}

func TestUpdatePHIReplacesOnlySuppliedSections(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	patch := &models.PHIPatch{
		Contact: &models.ContactInfo{
			ParentName:  "Morgan Rivera",
			ParentEmail: "morgan.rivera@example.com",
			ParentPhone: "555-0199",
		},
	}
	require.NoError(t, f.svc.UpdatePHI(adminCtx(t), res.Handle, patch))

	view, err := f.svc.Details(adminCtx(t), res.Handle)
	require.NoError(t, err)
	assert.Equal(t, "morgan.rivera@example.com", view.Contact.ParentEmail)
	assert.Equal(t, "Jamie", view.Student.FirstName, "untouched section survives")
	assert.Equal(t, []string{"Mental Health Counseling"}, view.Needs.Categories)
}

func TestUpdatePHIValidatesSections(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	err = f.svc.UpdatePHI(adminCtx(t), res.Handle, &models.PHIPatch{
		Contact: &models.ContactInfo{ParentName: "X", ParentEmail: "not-an-email", ParentPhone: "1"},
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	err = f.svc.UpdatePHI(adminCtx(t), res.Handle, &models.PHIPatch{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestUpdatePHIRefreshesDuplicateDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	before, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)

	patch := &models.PHIPatch{
		Student: &models.StudentInfo{
			FirstName:   "Casey",
			LastName:    "Rivera",
			FullName:    "Casey Rivera",
			Grade:       "10th",
			School:      "Hillcrest High",
			DateOfBirth: "2010-03-14",
		},
	}
	require.NoError(t, f.svc.UpdatePHI(adminCtx(t), res.Handle, patch))

	after, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.NotEqual(t, before.IdentityDigest, after.IdentityDigest)
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt, "updates never extend retention")
}

func TestUpdatePHIDeletesReplacedCardImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldFront, err := f.blobs.Put(ctx, []byte("front-v1"), "image/jpeg")
	require.NoError(t, err)
	oldBack, err := f.blobs.Put(ctx, []byte("back-v1"), "image/jpeg")
	require.NoError(t, err)

	sub := validSubmission()
	sub.Insurance = models.InsuranceInfo{
		HasInsurance:     true,
		Company:          "Acme Health",
		PolicyholderName: "Alex Rivera",
		MemberID:         "M-100",
		CardFrontHandle:  oldFront,
		CardBackHandle:   oldBack,
	}
	res, err := f.svc.Submit(ctx, sub)
	require.NoError(t, err)

	newFront, err := f.blobs.Put(ctx, []byte("front-v2"), "image/jpeg")
	require.NoError(t, err)
	newBack, err := f.blobs.Put(ctx, []byte("back-v2"), "image/jpeg")
	require.NoError(t, err)

	patch := &models.PHIPatch{
		Insurance: &models.InsuranceInfo{
			HasInsurance:     true,
			Company:          "Acme Health",
			PolicyholderName: "Alex Rivera",
			MemberID:         "M-100",
			CardFrontHandle:  newFront,
			CardBackHandle:   newBack,
		},
	}
	require.NoError(t, f.svc.UpdatePHI(adminCtx(t), res.Handle, patch))

	// Replaced images are gone, the new pair remains.
	_, err = f.blobs.Get(ctx, oldFront)
	assert.Error(t, err)
	_, err = f.blobs.Get(ctx, oldBack)
	assert.Error(t, err)
	assert.Equal(t, 2, f.blobs.Len())
}

func TestUpdatePHIFailsClosedOnCorruptIdentityColumn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	queue, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	digest := queue.IdentityDigest
	queue.ParentEmail = []byte("not a valid ciphertext value")
	require.NoError(t, f.store.ReplaceQueuePHI(ctx, queue))

	// A student-only patch must decrypt the stored email to rebuild the
	// digest; an unreadable column fails the update rather than producing
	// a digest over blanks.
	err = f.svc.UpdatePHI(adminCtx(t), res.Handle, &models.PHIPatch{
		Student: &models.StudentInfo{
			FirstName:   "Casey",
			LastName:    "Rivera",
			FullName:    "Casey Rivera",
			Grade:       "10th",
			School:      "Hillcrest High",
			DateOfBirth: "2010-03-14",
		},
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeVault))

	after, err := f.store.GetQueueByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, digest, after.IdentityDigest, "failed update leaves the digest alone")
}

func TestDetailsInsuranceFlagTracksDashboardRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := validSubmission()
	sub.Insurance = models.InsuranceInfo{
		HasInsurance:     true,
		Company:          "Acme Health",
		PolicyholderName: "Alex Rivera",
		MemberID:         "M-100",
	}
	res, err := f.svc.Submit(ctx, sub)
	require.NoError(t, err)

	view, err := f.svc.Details(adminCtx(t), res.Handle)
	require.NoError(t, err)
	assert.True(t, view.Insurance.HasInsurance)

	// Opting out keeps the stale company ciphertext in place, but the view
	// must follow the dashboard flag, not the ciphertext.
	patch := &models.PHIPatch{
		Insurance: &models.InsuranceInfo{HasInsurance: false, Company: "Acme Health"},
	}
	require.NoError(t, f.svc.UpdatePHI(adminCtx(t), res.Handle, patch))

	view, err = f.svc.Details(adminCtx(t), res.Handle)
	require.NoError(t, err)
	assert.False(t, view.Insurance.HasInsurance)

	rec, err := f.store.GetByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.False(t, rec.InsurancePresent)
}

func TestSummaryScopedToHomeDistrict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	home := f.store.SeedDistrict(&models.District{Name: "Home", Code: "HOME", IsActive: true, CreatedAt: now, UpdatedAt: now})
	other := f.store.SeedDistrict(&models.District{Name: "Other", Code: "OTHER", IsActive: true, CreatedAt: now, UpdatedAt: now})
	_ = other

	_, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	summaries, err := f.svc.Summary(staffCtx(t, home.ID), scope.Request{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Home", summaries[0].DistrictName)

	all, err := f.svc.Summary(adminCtx(t), scope.Request{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	otherID := other.ID
	_, err = f.svc.Summary(staffCtx(t, home.ID), scope.Request{DistrictID: &otherID})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestSessionsAndOutcomesAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, validSubmission())
	require.NoError(t, err)

	require.NoError(t, f.svc.AddSession(adminCtx(t), res.Handle, time.Now().UTC(), "individual"))
	require.NoError(t, f.svc.AddOutcome(adminCtx(t), res.Handle, "attendance", "improved", time.Now().UTC()))

	rec, err := f.store.GetByHandle(ctx, res.Handle)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SessionCount)
	assert.True(t, rec.OutcomeCollected)

	actions := f.auditActions()
	assert.Len(t, actions, 3)
}
