package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sapdash/internal/intake/models"
	"sapdash/internal/scope"
	"sapdash/pkg/platform/sentinel"
)

// Memory holds everything behind one mutex. Good enough for tests and
// local development; concurrency semantics mirror the Postgres store.
type Memory struct {
	mu sync.RWMutex

	nextID    int64
	districts map[int64]*models.District
	schools   map[int64]*models.School
	records   map[int64]*models.DashboardRecord
	byHandle  map[uuid.UUID]int64
	queues    map[int64]*models.IntakeQueueRecord // keyed by dashboard record ID
	sessions  map[int64][]*models.Session
	outcomes  map[int64][]*models.Outcome
}

func NewMemory() *Memory {
	return &Memory{
		districts: make(map[int64]*models.District),
		schools:   make(map[int64]*models.School),
		records:   make(map[int64]*models.DashboardRecord),
		byHandle:  make(map[uuid.UUID]int64),
		queues:    make(map[int64]*models.IntakeQueueRecord),
		sessions:  make(map[int64][]*models.Session),
		outcomes:  make(map[int64][]*models.Outcome),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

func (m *Memory) CreateIntake(_ context.Context, rec *models.DashboardRecord, queue *models.IntakeQueueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHandle[rec.Handle]; exists {
		return sentinel.ErrConflict
	}

	rec.ID = m.id()
	queue.ID = m.id()
	queue.DashboardRecordID = rec.ID

	recClone := *rec
	queueClone := *queue
	m.records[rec.ID] = &recClone
	m.byHandle[rec.Handle] = rec.ID
	m.queues[rec.ID] = &queueClone
	return nil
}

func (m *Memory) GetByHandle(_ context.Context, handle uuid.UUID) (*models.DashboardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHandle[handle]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *m.records[id]
	return &clone, nil
}

func (m *Memory) GetQueueByHandle(_ context.Context, handle uuid.UUID) (*models.IntakeQueueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHandle[handle]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	queue, ok := m.queues[id]
	if !ok || queue.Purged() {
		return nil, sentinel.ErrNotFound
	}
	clone := *queue
	return &clone, nil
}

func (m *Memory) QueueProcessing(_ context.Context, handle uuid.UUID) (*ProcessingInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHandle[handle]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	queue, ok := m.queues[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	info := ProcessingInfo{Processed: queue.Processed}
	if queue.ProcessedAt != nil {
		at := *queue.ProcessedAt
		info.ProcessedAt = &at
	}
	return &info, nil
}

func (m *Memory) UpdateDashboardStatus(_ context.Context, recordID int64, status models.ServiceStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.ServiceStatus = status
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) UpdateQueueProcessing(_ context.Context, queue *models.IntakeQueueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.queues[queue.DashboardRecordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	stored.Processed = queue.Processed
	stored.ProcessedAt = queue.ProcessedAt
	stored.ProcessedBy = queue.ProcessedBy
	stored.ExternalRef = queue.ExternalRef
	return nil
}

func (m *Memory) ReplaceQueuePHI(_ context.Context, queue *models.IntakeQueueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.queues[queue.DashboardRecordID]
	if !ok || stored.Purged() {
		return sentinel.ErrNotFound
	}
	clone := *queue
	clone.ID = stored.ID
	clone.CreatedAt = stored.CreatedAt
	clone.ExpiresAt = stored.ExpiresAt
	clone.DeletedAt = stored.DeletedAt
	m.queues[queue.DashboardRecordID] = &clone
	return nil
}

func (m *Memory) SetInsurancePresent(_ context.Context, recordID int64, present bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.InsurancePresent = present
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) HasRecentDigest(_ context.Context, digest string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, queue := range m.queues {
		if queue.Purged() || queue.IdentityDigest == "" {
			continue
		}
		if queue.IdentityDigest == digest && !queue.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.IntakeQueueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Unclaimed past expiry, plus claimed rows a crashed reaper never
	// finished erasing.
	var due []*models.IntakeQueueRecord
	for _, queue := range m.queues {
		if queue.ExpiresAt.After(now) || queue.Erased() {
			continue
		}
		clone := *queue
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ClaimForPurge(_ context.Context, queueID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, queue := range m.queues {
		if queue.ID != queueID {
			continue
		}
		if queue.DeletedAt != nil {
			return false, nil
		}
		claimed := now
		queue.DeletedAt = &claimed
		return true, nil
	}
	return false, sentinel.ErrNotFound
}

func (m *Memory) ErasePHI(_ context.Context, queueID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, queue := range m.queues {
		if queue.ID == queueID {
			queue.ErasePHI()
			return nil
		}
	}
	return sentinel.ErrNotFound
}

// -----------------------------------------------------------------------------
// Directory
// -----------------------------------------------------------------------------

const defaultDistrictCode = "DEFAULT"

func (m *Memory) ResolveSchool(_ context.Context, name string, now time.Time) (*models.School, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := strings.TrimSpace(name)
	for _, school := range m.schools {
		if strings.EqualFold(school.Name, trimmed) && school.IsActive {
			clone := *school
			return &clone, nil
		}
	}

	district := m.defaultDistrictLocked(now)
	school := &models.School{
		ID:         m.id(),
		DistrictID: district.ID,
		Name:       trimmed,
		Code:       "SCH_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		GradeBands: []string{"K-12"},
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.schools[school.ID] = school
	clone := *school
	return &clone, nil
}

func (m *Memory) defaultDistrictLocked(now time.Time) *models.District {
	for _, d := range m.districts {
		if d.Code == defaultDistrictCode {
			return d
		}
	}
	d := &models.District{
		ID:        m.id(),
		Name:      "Default District",
		Code:      defaultDistrictCode,
		Region:    "Unknown",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.districts[d.ID] = d
	return d
}

// SeedDistrict inserts a district directly. Test helper.
func (m *Memory) SeedDistrict(d *models.District) *models.District {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	clone := *d
	m.districts[d.ID] = &clone
	return d
}

// SeedSchool inserts a school directly. Test helper.
func (m *Memory) SeedSchool(s *models.School) *models.School {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	clone := *s
	m.schools[s.ID] = &clone
	return s
}

func (m *Memory) ListDistricts(_ context.Context, filter scope.Filter) ([]*models.District, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.District
	for _, d := range m.districts {
		if !d.IsActive || !filter.AllowsDistrict(d.ID) {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListSchools(_ context.Context, districtID int64) ([]*models.School, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.School
	for _, s := range m.schools {
		if s.DistrictID != districtID || !s.IsActive {
			continue
		}
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// -----------------------------------------------------------------------------
// Aggregates
// -----------------------------------------------------------------------------

func (m *Memory) AddSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[session.DashboardRecordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	session.ID = m.id()
	clone := *session
	m.sessions[rec.ID] = append(m.sessions[rec.ID], &clone)
	rec.SessionCount++
	return nil
}

func (m *Memory) AddOutcome(_ context.Context, outcome *models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[outcome.DashboardRecordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	outcome.ID = m.id()
	clone := *outcome
	m.outcomes[rec.ID] = append(m.outcomes[rec.ID], &clone)
	rec.OutcomeCollected = true
	return nil
}

func (m *Memory) ListSessions(_ context.Context, recordID int64) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions[recordID]))
	for _, s := range m.sessions[recordID] {
		clone := *s
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Memory) ListOutcomes(_ context.Context, recordID int64) ([]*models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Outcome, 0, len(m.outcomes[recordID]))
	for _, o := range m.outcomes[recordID] {
		clone := *o
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Memory) Summary(_ context.Context, filter scope.Filter) ([]*DistrictSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make(map[int64]*DistrictSummary)
	schoolRows := make(map[int64]*SchoolSummary)

	for _, d := range m.districts {
		if !d.IsActive || !filter.AllowsDistrict(d.ID) {
			continue
		}
		summaries[d.ID] = &DistrictSummary{DistrictID: d.ID, DistrictName: d.Name}
	}
	for _, s := range m.schools {
		ds, ok := summaries[s.DistrictID]
		if !ok || !s.IsActive {
			continue
		}
		if filter.SchoolID != nil && *filter.SchoolID != s.ID {
			continue
		}
		row := &SchoolSummary{SchoolID: s.ID, SchoolName: s.Name}
		schoolRows[s.ID] = row
		ds.Schools = append(ds.Schools, row)
		ds.TotalSchools++
	}
	for _, rec := range m.records {
		ds, ok := summaries[rec.DistrictID]
		if !ok {
			continue
		}
		ds.TotalStudents++
		active := rec.ServiceStatus == models.StatusActive
		if active {
			ds.ActiveStudents++
		}
		if row, ok := schoolRows[rec.SchoolID]; ok {
			row.TotalStudents++
			if active {
				row.ActiveStudents++
			}
		}
	}

	out := make([]*DistrictSummary, 0, len(summaries))
	for _, ds := range summaries {
		sort.Slice(ds.Schools, func(i, j int) bool { return ds.Schools[i].SchoolName < ds.Schools[j].SchoolName })
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistrictName < out[j].DistrictName })
	return out, nil
}
