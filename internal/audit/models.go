// Package audit is the append-only trail of every create, view, update,
// and purge touching intake data. Entries are never mutated or deleted,
// including after the PHI they reference has been purged.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action classifies an audited operation.
type Action string

const (
	ActionCreate       Action = "create"
	ActionView         Action = "view"
	ActionUpdate       Action = "update"
	ActionUpdateStatus Action = "update_status"
	ActionPurge        Action = "purge"
)

// Resource types referenced by audit entries.
const (
	ResourceDashboardRecord = "dashboard_record"
	ResourceIntakeQueue     = "intake_queue"
	ResourceIntakeStatus    = "intake_status"
	ResourceSession         = "session"
	ResourceOutcome         = "outcome"
)

// Entry is one audit row. ActorID is nil for anonymous public actions
// (form submission, status check). Details is an opaque structured payload
// and must never contain plaintext PHI.
type Entry struct {
	ID           uuid.UUID
	ActorID      *string
	Action       Action
	ResourceType string
	ResourceID   string
	DistrictID   *int64
	SourceIP     string
	UserAgent    string
	Details      map[string]any
	CreatedAt    time.Time
}
