// Package store persists the dual-record pair. Implementations: Memory
// (unit tests, local runs) and Postgres. Both enforce the linkage
// invariant: a queue record never exists without its dashboard twin.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sapdash/internal/intake/models"
	"sapdash/internal/scope"
)

// Store is the full persistence surface consumed by the intake service and
// the retention reaper.
type Store interface {
	// CreateIntake persists the linked pair, assigning IDs. Callers run it
	// inside a transaction together with the audit append; it fails wholly
	// or succeeds wholly.
	CreateIntake(ctx context.Context, rec *models.DashboardRecord, queue *models.IntakeQueueRecord) error

	GetByHandle(ctx context.Context, handle uuid.UUID) (*models.DashboardRecord, error)
	// GetQueueByHandle returns sentinel.ErrNotFound for unknown handles and
	// equally for queue records already purged by retention.
	GetQueueByHandle(ctx context.Context, handle uuid.UUID) (*models.IntakeQueueRecord, error)

	UpdateDashboardStatus(ctx context.Context, recordID int64, status models.ServiceStatus, now time.Time) error
	UpdateQueueProcessing(ctx context.Context, queue *models.IntakeQueueRecord) error
	// QueueProcessing returns the non-PHI processing metadata for a pair,
	// including after the queue's PHI has been purged.
	QueueProcessing(ctx context.Context, handle uuid.UUID) (*ProcessingInfo, error)
	// ReplaceQueuePHI overwrites the encrypted PHI columns of a live queue
	// record with the given row's values.
	ReplaceQueuePHI(ctx context.Context, queue *models.IntakeQueueRecord) error
	SetInsurancePresent(ctx context.Context, recordID int64, present bool, now time.Time) error

	// Duplicate guard support: bounded scan over queue rows created since
	// the window start, matching by identity digest.
	HasRecentDigest(ctx context.Context, digest string, since time.Time) (bool, error)

	// Retention surface. ListExpired returns rows whose PHI is still due
	// for erasure: either unclaimed past expiry, or claimed but not yet
	// erased (crash recovery). ClaimForPurge is the conditional update
	// that makes concurrent reapers safe.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.IntakeQueueRecord, error)
	ClaimForPurge(ctx context.Context, queueID int64, now time.Time) (bool, error)
	ErasePHI(ctx context.Context, queueID int64) error
}

// ProcessingInfo is the processing metadata of a queue record. It carries
// no PHI and outlives the retention purge.
type ProcessingInfo struct {
	Processed   bool
	ProcessedAt *time.Time
}

// Directory is the district/school reference hierarchy surface.
type Directory interface {
	// ResolveSchool finds a school by case-insensitive name, creating it
	// under the default district when unknown.
	ResolveSchool(ctx context.Context, name string, now time.Time) (*models.School, error)
	ListDistricts(ctx context.Context, filter scope.Filter) ([]*models.District, error)
	ListSchools(ctx context.Context, districtID int64) ([]*models.School, error)
}

// Aggregates is the peripheral non-PHI surface: sessions, outcomes, and
// the scoped dashboard summary.
type Aggregates interface {
	AddSession(ctx context.Context, session *models.Session) error
	AddOutcome(ctx context.Context, outcome *models.Outcome) error
	ListSessions(ctx context.Context, recordID int64) ([]*models.Session, error)
	ListOutcomes(ctx context.Context, recordID int64) ([]*models.Outcome, error)
	Summary(ctx context.Context, filter scope.Filter) ([]*DistrictSummary, error)
}

// DistrictSummary is one row of the scoped dashboard aggregate view.
// Counts only; no PHI.
type DistrictSummary struct {
	DistrictID     int64
	DistrictName   string
	TotalSchools   int
	TotalStudents  int
	ActiveStudents int
	Schools        []*SchoolSummary
}

// SchoolSummary is the per-school breakdown within a district summary.
type SchoolSummary struct {
	SchoolID       int64
	SchoolName     string
	TotalStudents  int
	ActiveStudents int
}
