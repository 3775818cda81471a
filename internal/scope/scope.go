// Package scope computes the data-visibility filter for a principal before
// any row is fetched. Handlers resolve a Filter first and pass it to store
// queries; there is no post-hoc filtering or redaction of fetched PHI.
package scope

import (
	dErrors "sapdash/pkg/domain-errors"
)

// Role is an explicit assignment resolved once at authentication time and
// carried on the Principal. It is constructed from the immutable
// Configuration injected at startup, never re-read from process settings.
type Role string

const (
	// RoleGlobalAdmin may read and act across every district.
	RoleGlobalAdmin Role = "global_admin"
	// RoleDistrictStaff is pinned to the principal's home district.
	RoleDistrictStaff Role = "district_staff"
)

// Principal is the resolved identity of an authenticated caller. Token
// verification happens upstream; services only ever see this struct.
type Principal struct {
	ID             string
	Role           Role
	HomeDistrictID *int64
}

// IsGlobalAdmin reports whether the principal is unrestricted.
func (p Principal) IsGlobalAdmin() bool { return p.Role == RoleGlobalAdmin }

// Filter is the effective visibility restriction applied to store queries.
// A nil DistrictID means unrestricted (global admin only).
type Filter struct {
	DistrictID *int64
	SchoolID   *int64
}

// Unrestricted reports whether the filter imposes no district boundary.
func (f Filter) Unrestricted() bool { return f.DistrictID == nil }

// AllowsDistrict reports whether a row in the given district is visible.
func (f Filter) AllowsDistrict(districtID int64) bool {
	return f.DistrictID == nil || *f.DistrictID == districtID
}

// Request is the caller-supplied narrowing, both fields optional.
type Request struct {
	DistrictID *int64
	SchoolID   *int64
}

// Resolve computes the effective filter for a principal.
//
// Global admins get exactly what they asked for. Scoped principals must
// have a home district; a request for a different district is refused, and
// the result is always pinned to the home district regardless of what was
// requested. Error messages reveal nothing about the denied resource.
func Resolve(p Principal, req Request) (Filter, error) {
	if p.IsGlobalAdmin() {
		return Filter{DistrictID: req.DistrictID, SchoolID: req.SchoolID}, nil
	}

	if p.HomeDistrictID == nil {
		return Filter{}, dErrors.New(dErrors.CodeForbidden, "no scope configured for principal")
	}
	if req.DistrictID != nil && *req.DistrictID != *p.HomeDistrictID {
		return Filter{}, dErrors.New(dErrors.CodeForbidden, "requested scope not permitted")
	}

	home := *p.HomeDistrictID
	return Filter{DistrictID: &home, SchoolID: req.SchoolID}, nil
}
