package models

import (
	dErrors "sapdash/pkg/domain-errors"
)

// ServiceStatus is the lifecycle state of a dashboard record.
//
// The external surface knows three states: pending, active, processed.
// Storage additionally tracks completed and cancelled, which both collapse
// to processed on the way out. External() is the single normalization
// table; no call site aliases status names on its own.
type ServiceStatus string

const (
	StatusPending   ServiceStatus = "pending"
	StatusActive    ServiceStatus = "active"
	StatusProcessed ServiceStatus = "processed"
	StatusCompleted ServiceStatus = "completed"
	StatusCancelled ServiceStatus = "cancelled"
)

var validStatuses = map[ServiceStatus]struct{}{
	StatusPending:   {},
	StatusActive:    {},
	StatusProcessed: {},
	StatusCompleted: {},
	StatusCancelled: {},
}

// externalStatus collapses internal aliases onto the external surface.
var externalStatus = map[ServiceStatus]ServiceStatus{
	StatusPending:   StatusPending,
	StatusActive:    StatusActive,
	StatusProcessed: StatusProcessed,
	StatusCompleted: StatusProcessed,
	StatusCancelled: StatusProcessed,
}

// ParseServiceStatus validates a status supplied at a trust boundary.
func ParseServiceStatus(s string) (ServiceStatus, error) {
	status := ServiceStatus(s)
	if _, ok := validStatuses[status]; !ok {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown service status %q", s)
	}
	return status, nil
}

// External returns the status as reported on the public surface.
// Unknown values report pending rather than leaking internal state.
func (s ServiceStatus) External() ServiceStatus {
	if ext, ok := externalStatus[s]; ok {
		return ext
	}
	return StatusPending
}

// IsProcessedFacing reports whether the status collapses to processed.
// The processed transition's queue-side effects key off this, not off the
// stored spelling.
func (s ServiceStatus) IsProcessedFacing() bool {
	return s.External() == StatusProcessed
}
