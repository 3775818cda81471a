// Package models holds the dual-record data model: the permanent non-PHI
// dashboard record and its ephemeral encrypted queue twin, plus the
// reference hierarchy they hang off.
//
// Invariant: exactly one IntakeQueueRecord exists per DashboardRecord until
// retention purges the queue side; the dashboard record stays queryable
// forever afterwards.
package models

import (
	"time"

	"github.com/google/uuid"
)

// District is the top of the reference hierarchy. Identity is immutable
// once created; deactivation is the only lifecycle change.
type District struct {
	ID        int64
	Name      string
	Code      string
	Region    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// School belongs to exactly one district.
type School struct {
	ID         int64
	DistrictID int64
	Name       string
	Code       string
	GradeBands []string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OptInType records why the family submitted.
type OptInType string

const (
	OptInImmediateService  OptInType = "immediate_service"
	OptInFutureEligibility OptInType = "future_eligibility"
)

// DashboardRecord is the permanent non-PHI aggregate row. Nothing in it
// identifies the student; Handle is the only public link to the pair.
type DashboardRecord struct {
	ID               int64
	Handle           uuid.UUID
	DistrictID       int64
	SchoolID         int64
	GradeBand        string
	ReferralSource   string
	OptInType        OptInType
	ReferralDate     time.Time
	FiscalPeriod     string
	InsurancePresent bool
	ServiceStatus    ServiceStatus
	SessionCount     int
	OutcomeCollected bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IntakeQueueRecord is the ephemeral PHI twin, 1:1 with a DashboardRecord.
// Every sensitive field is vault ciphertext; the row never holds plaintext
// PHI. IdentityDigest is a one-way hash of the normalized identity tuple
// used only by the duplicate guard.
type IntakeQueueRecord struct {
	ID                int64
	DashboardRecordID int64

	// Student identity (encrypted)
	StudentFirstName []byte
	StudentLastName  []byte
	StudentFullName  []byte
	StudentExtID     []byte
	DateOfBirth      []byte

	// Parent/guardian contact (encrypted)
	ParentName  []byte
	ParentEmail []byte
	ParentPhone []byte

	// Insurance (encrypted; card images live in blob storage by handle)
	InsuranceCompany  []byte
	PolicyholderName  []byte
	Relationship      []byte
	MemberID          []byte
	GroupNumber       []byte
	InsuranceCardFront string
	InsuranceCardBack  string

	// Service needs (encrypted; list fields are JSON before sealing)
	ServiceCategories    []byte
	ServiceCategoryOther []byte
	Severity             []byte
	NeededServices       []byte
	FamilyResources      []byte
	ReferralConcerns     []byte

	// Demographics (encrypted)
	SexAtBirth  []byte
	Races       []byte
	RaceOther   []byte
	Ethnicities []byte

	// Safety and consent flags carry no identity and stay cleartext.
	ImmediateSafetyConcern bool
	AuthorizationConsent   bool

	// Processing metadata
	Processed   bool
	ProcessedAt *time.Time
	ProcessedBy *string
	ExternalRef string

	// Duplicate guard support
	IdentityDigest string

	// Retention metadata
	CreatedAt time.Time
	ExpiresAt time.Time
	DeletedAt *time.Time
}

// Purged reports whether the PHI payload has been erased by retention.
func (r *IntakeQueueRecord) Purged() bool { return r.DeletedAt != nil }

// Erased reports whether the PHI payload itself has been overwritten.
// A row can be claimed for purge (Purged true) while its columns still
// hold ciphertext; the reaper re-lists those after a crash.
func (r *IntakeQueueRecord) Erased() bool {
	return r.StudentFirstName == nil && r.IdentityDigest == ""
}

// MarkProcessed applies the processed transition's queue-side effects
// exactly once. Re-invocation is a no-op; processed_at and processed_by
// stay fixed at their first-set values.
func (r *IntakeQueueRecord) MarkProcessed(now time.Time, actorID string) bool {
	if r.Processed {
		return false
	}
	r.Processed = true
	r.ProcessedAt = &now
	r.ProcessedBy = &actorID
	return true
}

// ErasePHI overwrites every sensitive column. Idempotent against an
// already-erased row; claim state (DeletedAt) is managed by the store.
func (r *IntakeQueueRecord) ErasePHI() {
	r.StudentFirstName = nil
	r.StudentLastName = nil
	r.StudentFullName = nil
	r.StudentExtID = nil
	r.DateOfBirth = nil
	r.ParentName = nil
	r.ParentEmail = nil
	r.ParentPhone = nil
	r.InsuranceCompany = nil
	r.PolicyholderName = nil
	r.Relationship = nil
	r.MemberID = nil
	r.GroupNumber = nil
	r.InsuranceCardFront = ""
	r.InsuranceCardBack = ""
	r.ServiceCategories = nil
	r.ServiceCategoryOther = nil
	r.Severity = nil
	r.NeededServices = nil
	r.FamilyResources = nil
	r.ReferralConcerns = nil
	r.SexAtBirth = nil
	r.Races = nil
	r.RaceOther = nil
	r.Ethnicities = nil
	r.IdentityDigest = ""
}

// Session is a peripheral aggregate row: one delivered service session.
// Carries no PHI.
type Session struct {
	ID                int64
	DashboardRecordID int64
	SessionDate       time.Time
	SessionType       string
	CreatedBy         string
	CreatedAt         time.Time
}

// Outcome is a peripheral aggregate-only measurement row. Carries no PHI.
type Outcome struct {
	ID                int64
	DashboardRecordID int64
	OutcomeType       string
	OutcomeValue      string
	MeasuredDate      time.Time
	CreatedAt         time.Time
}
