package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"sapdash/internal/intake/models"
	"sapdash/internal/scope"
	"sapdash/pkg/platform/sentinel"
	txcontext "sapdash/pkg/platform/tx"
)

// Postgres implements Store, Directory and Aggregates against the
// dashboard_records / intake_queue pair of tables. Writes join an open
// transaction from context so the pair and its audit entry commit atomically.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbClient interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) client(ctx context.Context) dbClient {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

func (s *Postgres) CreateIntake(ctx context.Context, rec *models.DashboardRecord, queue *models.IntakeQueueRecord) error {
	c := s.client(ctx)

	recQuery := `
		INSERT INTO dashboard_records (
			handle, district_id, school_id, grade_band, referral_source,
			opt_in_type, referral_date, fiscal_period, insurance_present,
			service_status, session_count, outcome_collected, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	err := c.QueryRowContext(ctx, recQuery,
		rec.Handle,
		rec.DistrictID,
		rec.SchoolID,
		rec.GradeBand,
		rec.ReferralSource,
		string(rec.OptInType),
		rec.ReferralDate,
		rec.FiscalPeriod,
		rec.InsurancePresent,
		string(rec.ServiceStatus),
		rec.SessionCount,
		rec.OutcomeCollected,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert dashboard record: %w", err)
	}

	queue.DashboardRecordID = rec.ID
	queueQuery := `
		INSERT INTO intake_queue (
			dashboard_record_id,
			student_first_name, student_last_name, student_full_name,
			student_ext_id, date_of_birth,
			parent_name, parent_email, parent_phone,
			insurance_company, policyholder_name, relationship, member_id, group_number,
			insurance_card_front, insurance_card_back,
			service_categories, service_category_other, severity, needed_services,
			family_resources, referral_concerns,
			sex_at_birth, races, race_other, ethnicities,
			immediate_safety_concern, authorization_consent,
			processed, processed_at, processed_by, external_ref,
			identity_digest, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
			$27, $28, $29, $30, $31, $32, $33, $34, $35)
		RETURNING id
	`
	err = c.QueryRowContext(ctx, queueQuery,
		queue.DashboardRecordID,
		queue.StudentFirstName, queue.StudentLastName, queue.StudentFullName,
		queue.StudentExtID, queue.DateOfBirth,
		queue.ParentName, queue.ParentEmail, queue.ParentPhone,
		queue.InsuranceCompany, queue.PolicyholderName, queue.Relationship,
		queue.MemberID, queue.GroupNumber,
		queue.InsuranceCardFront, queue.InsuranceCardBack,
		queue.ServiceCategories, queue.ServiceCategoryOther, queue.Severity,
		queue.NeededServices, queue.FamilyResources, queue.ReferralConcerns,
		queue.SexAtBirth, queue.Races, queue.RaceOther, queue.Ethnicities,
		queue.ImmediateSafetyConcern, queue.AuthorizationConsent,
		queue.Processed, queue.ProcessedAt, queue.ProcessedBy, queue.ExternalRef,
		queue.IdentityDigest, queue.CreatedAt, queue.ExpiresAt,
	).Scan(&queue.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert intake queue record: %w", err)
	}
	return nil
}

const dashboardColumns = `
	id, handle, district_id, school_id, grade_band, referral_source,
	opt_in_type, referral_date, fiscal_period, insurance_present,
	service_status, session_count, outcome_collected, created_at, updated_at
`

func (s *Postgres) GetByHandle(ctx context.Context, handle uuid.UUID) (*models.DashboardRecord, error) {
	query := `SELECT ` + dashboardColumns + ` FROM dashboard_records WHERE handle = $1`
	return s.scanDashboard(s.client(ctx).QueryRowContext(ctx, query, handle))
}

func (s *Postgres) scanDashboard(row *sql.Row) (*models.DashboardRecord, error) {
	var rec models.DashboardRecord
	var optIn, status string
	err := row.Scan(
		&rec.ID, &rec.Handle, &rec.DistrictID, &rec.SchoolID, &rec.GradeBand,
		&rec.ReferralSource, &optIn, &rec.ReferralDate, &rec.FiscalPeriod,
		&rec.InsurancePresent, &status, &rec.SessionCount, &rec.OutcomeCollected,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dashboard record: %w", err)
	}
	rec.OptInType = models.OptInType(optIn)
	rec.ServiceStatus = models.ServiceStatus(status)
	return &rec, nil
}

const queueColumns = `
	q.id, q.dashboard_record_id,
	q.student_first_name, q.student_last_name, q.student_full_name,
	q.student_ext_id, q.date_of_birth,
	q.parent_name, q.parent_email, q.parent_phone,
	q.insurance_company, q.policyholder_name, q.relationship, q.member_id, q.group_number,
	q.insurance_card_front, q.insurance_card_back,
	q.service_categories, q.service_category_other, q.severity, q.needed_services,
	q.family_resources, q.referral_concerns,
	q.sex_at_birth, q.races, q.race_other, q.ethnicities,
	q.immediate_safety_concern, q.authorization_consent,
	q.processed, q.processed_at, q.processed_by, q.external_ref,
	q.identity_digest, q.created_at, q.expires_at, q.deleted_at
`

func scanQueue(scanner interface{ Scan(dest ...any) error }) (*models.IntakeQueueRecord, error) {
	var q models.IntakeQueueRecord
	err := scanner.Scan(
		&q.ID, &q.DashboardRecordID,
		&q.StudentFirstName, &q.StudentLastName, &q.StudentFullName,
		&q.StudentExtID, &q.DateOfBirth,
		&q.ParentName, &q.ParentEmail, &q.ParentPhone,
		&q.InsuranceCompany, &q.PolicyholderName, &q.Relationship,
		&q.MemberID, &q.GroupNumber,
		&q.InsuranceCardFront, &q.InsuranceCardBack,
		&q.ServiceCategories, &q.ServiceCategoryOther, &q.Severity,
		&q.NeededServices, &q.FamilyResources, &q.ReferralConcerns,
		&q.SexAtBirth, &q.Races, &q.RaceOther, &q.Ethnicities,
		&q.ImmediateSafetyConcern, &q.AuthorizationConsent,
		&q.Processed, &q.ProcessedAt, &q.ProcessedBy, &q.ExternalRef,
		&q.IdentityDigest, &q.CreatedAt, &q.ExpiresAt, &q.DeletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan intake queue record: %w", err)
	}
	return &q, nil
}

func (s *Postgres) GetQueueByHandle(ctx context.Context, handle uuid.UUID) (*models.IntakeQueueRecord, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM intake_queue q
		JOIN dashboard_records r ON r.id = q.dashboard_record_id
		WHERE r.handle = $1 AND q.deleted_at IS NULL
	`
	return scanQueue(s.client(ctx).QueryRowContext(ctx, query, handle))
}

func (s *Postgres) UpdateDashboardStatus(ctx context.Context, recordID int64, status models.ServiceStatus, now time.Time) error {
	query := `UPDATE dashboard_records SET service_status = $1, updated_at = $2 WHERE id = $3`
	res, err := s.client(ctx).ExecContext(ctx, query, string(status), now, recordID)
	if err != nil {
		return fmt.Errorf("update dashboard status: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) UpdateQueueProcessing(ctx context.Context, queue *models.IntakeQueueRecord) error {
	query := `
		UPDATE intake_queue
		SET processed = $1, processed_at = $2, processed_by = $3, external_ref = $4
		WHERE dashboard_record_id = $5
	`
	res, err := s.client(ctx).ExecContext(ctx, query,
		queue.Processed, queue.ProcessedAt, queue.ProcessedBy, queue.ExternalRef,
		queue.DashboardRecordID,
	)
	if err != nil {
		return fmt.Errorf("update queue processing: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) QueueProcessing(ctx context.Context, handle uuid.UUID) (*ProcessingInfo, error) {
	// No deleted_at filter: processing metadata outlives the purge.
	query := `
		SELECT q.processed, q.processed_at
		FROM intake_queue q
		JOIN dashboard_records r ON r.id = q.dashboard_record_id
		WHERE r.handle = $1
	`
	var info ProcessingInfo
	err := s.client(ctx).QueryRowContext(ctx, query, handle).Scan(&info.Processed, &info.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue processing: %w", err)
	}
	return &info, nil
}

func (s *Postgres) ReplaceQueuePHI(ctx context.Context, queue *models.IntakeQueueRecord) error {
	// Retention columns stay untouched so updates never extend the clock.
	query := `
		UPDATE intake_queue
		SET student_first_name = $1, student_last_name = $2, student_full_name = $3,
			student_ext_id = $4, date_of_birth = $5,
			parent_name = $6, parent_email = $7, parent_phone = $8,
			insurance_company = $9, policyholder_name = $10, relationship = $11,
			member_id = $12, group_number = $13,
			insurance_card_front = $14, insurance_card_back = $15,
			service_categories = $16, service_category_other = $17, severity = $18,
			needed_services = $19, family_resources = $20, referral_concerns = $21,
			sex_at_birth = $22, races = $23, race_other = $24, ethnicities = $25,
			immediate_safety_concern = $26, authorization_consent = $27,
			identity_digest = $28
		WHERE dashboard_record_id = $29 AND deleted_at IS NULL
	`
	res, err := s.client(ctx).ExecContext(ctx, query,
		queue.StudentFirstName, queue.StudentLastName, queue.StudentFullName,
		queue.StudentExtID, queue.DateOfBirth,
		queue.ParentName, queue.ParentEmail, queue.ParentPhone,
		queue.InsuranceCompany, queue.PolicyholderName, queue.Relationship,
		queue.MemberID, queue.GroupNumber,
		queue.InsuranceCardFront, queue.InsuranceCardBack,
		queue.ServiceCategories, queue.ServiceCategoryOther, queue.Severity,
		queue.NeededServices, queue.FamilyResources, queue.ReferralConcerns,
		queue.SexAtBirth, queue.Races, queue.RaceOther, queue.Ethnicities,
		queue.ImmediateSafetyConcern, queue.AuthorizationConsent,
		queue.IdentityDigest,
		queue.DashboardRecordID,
	)
	if err != nil {
		return fmt.Errorf("replace queue phi: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) SetInsurancePresent(ctx context.Context, recordID int64, present bool, now time.Time) error {
	query := `UPDATE dashboard_records SET insurance_present = $1, updated_at = $2 WHERE id = $3`
	res, err := s.client(ctx).ExecContext(ctx, query, present, now, recordID)
	if err != nil {
		return fmt.Errorf("set insurance present: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) HasRecentDigest(ctx context.Context, digest string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM intake_queue
			WHERE identity_digest = $1 AND created_at >= $2 AND deleted_at IS NULL
		)
	`
	var exists bool
	if err := s.client(ctx).QueryRowContext(ctx, query, digest, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("check recent digest: %w", err)
	}
	return exists, nil
}

func (s *Postgres) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.IntakeQueueRecord, error) {
	// deleted_at IS NOT NULL rows with a digest still set are claims a
	// crashed reaper never finished erasing; list them again.
	query := `
		SELECT ` + queueColumns + `
		FROM intake_queue q
		WHERE q.expires_at <= $1
		  AND (q.deleted_at IS NULL OR q.identity_digest <> '' OR q.student_first_name IS NOT NULL)
		ORDER BY q.expires_at ASC
		LIMIT $2
	`
	rows, err := s.client(ctx).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired queue records: %w", err)
	}
	defer rows.Close()

	var out []*models.IntakeQueueRecord
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Postgres) ClaimForPurge(ctx context.Context, queueID int64, now time.Time) (bool, error) {
	query := `UPDATE intake_queue SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`
	res, err := s.client(ctx).ExecContext(ctx, query, now, queueID)
	if err != nil {
		return false, fmt.Errorf("claim queue record for purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Postgres) ErasePHI(ctx context.Context, queueID int64) error {
	query := `
		UPDATE intake_queue
		SET student_first_name = NULL, student_last_name = NULL, student_full_name = NULL,
			student_ext_id = NULL, date_of_birth = NULL,
			parent_name = NULL, parent_email = NULL, parent_phone = NULL,
			insurance_company = NULL, policyholder_name = NULL, relationship = NULL,
			member_id = NULL, group_number = NULL,
			insurance_card_front = '', insurance_card_back = '',
			service_categories = NULL, service_category_other = NULL, severity = NULL,
			needed_services = NULL, family_resources = NULL, referral_concerns = NULL,
			sex_at_birth = NULL, races = NULL, race_other = NULL, ethnicities = NULL,
			identity_digest = ''
		WHERE id = $1
	`
	res, err := s.client(ctx).ExecContext(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("erase queue phi: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Directory
// -----------------------------------------------------------------------------

func (s *Postgres) ResolveSchool(ctx context.Context, name string, now time.Time) (*models.School, error) {
	c := s.client(ctx)
	trimmed := strings.TrimSpace(name)

	query := `
		SELECT id, district_id, name, code, grade_bands, is_active, created_at, updated_at
		FROM schools
		WHERE LOWER(name) = LOWER($1) AND is_active = TRUE
	`
	school, err := scanSchool(c.QueryRowContext(ctx, query, trimmed))
	if err == nil {
		return school, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	districtID, err := s.defaultDistrictID(ctx, now)
	if err != nil {
		return nil, err
	}

	code := "SCH_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	insert := `
		INSERT INTO schools (district_id, name, code, grade_bands, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		RETURNING id, district_id, name, code, grade_bands, is_active, created_at, updated_at
	`
	return scanSchool(c.QueryRowContext(ctx, insert, districtID, trimmed, code, pq.Array([]string{"K-12"}), now))
}

func (s *Postgres) defaultDistrictID(ctx context.Context, now time.Time) (int64, error) {
	c := s.client(ctx)
	var id int64
	err := c.QueryRowContext(ctx, `SELECT id FROM districts WHERE code = $1`, defaultDistrictCode).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("look up default district: %w", err)
	}

	insert := `
		INSERT INTO districts (name, code, region, is_active, created_at, updated_at)
		VALUES ('Default District', $1, 'Unknown', TRUE, $2, $2)
		ON CONFLICT (code) DO UPDATE SET updated_at = districts.updated_at
		RETURNING id
	`
	if err := c.QueryRowContext(ctx, insert, defaultDistrictCode, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("create default district: %w", err)
	}
	return id, nil
}

func scanSchool(row *sql.Row) (*models.School, error) {
	var school models.School
	err := row.Scan(
		&school.ID, &school.DistrictID, &school.Name, &school.Code,
		pq.Array(&school.GradeBands), &school.IsActive,
		&school.CreatedAt, &school.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan school: %w", err)
	}
	return &school, nil
}

func (s *Postgres) ListDistricts(ctx context.Context, filter scope.Filter) ([]*models.District, error) {
	query := `
		SELECT id, name, code, region, is_active, created_at, updated_at
		FROM districts
		WHERE is_active = TRUE AND ($1::bigint IS NULL OR id = $1)
		ORDER BY name
	`
	rows, err := s.client(ctx).QueryContext(ctx, query, filter.DistrictID)
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	defer rows.Close()

	var out []*models.District
	for rows.Next() {
		var d models.District
		if err := rows.Scan(&d.ID, &d.Name, &d.Code, &d.Region, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan district: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Postgres) ListSchools(ctx context.Context, districtID int64) ([]*models.School, error) {
	query := `
		SELECT id, district_id, name, code, grade_bands, is_active, created_at, updated_at
		FROM schools
		WHERE district_id = $1 AND is_active = TRUE
		ORDER BY name
	`
	rows, err := s.client(ctx).QueryContext(ctx, query, districtID)
	if err != nil {
		return nil, fmt.Errorf("list schools: %w", err)
	}
	defer rows.Close()

	var out []*models.School
	for rows.Next() {
		var school models.School
		err := rows.Scan(
			&school.ID, &school.DistrictID, &school.Name, &school.Code,
			pq.Array(&school.GradeBands), &school.IsActive,
			&school.CreatedAt, &school.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan school: %w", err)
		}
		out = append(out, &school)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Aggregates
// -----------------------------------------------------------------------------

func (s *Postgres) AddSession(ctx context.Context, session *models.Session) error {
	c := s.client(ctx)
	query := `
		INSERT INTO sessions (dashboard_record_id, session_date, session_type, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := c.QueryRowContext(ctx, query,
		session.DashboardRecordID, session.SessionDate, session.SessionType,
		session.CreatedBy, session.CreatedAt,
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	bump := `UPDATE dashboard_records SET session_count = session_count + 1, updated_at = $1 WHERE id = $2`
	res, err := c.ExecContext(ctx, bump, session.CreatedAt, session.DashboardRecordID)
	if err != nil {
		return fmt.Errorf("bump session count: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) AddOutcome(ctx context.Context, outcome *models.Outcome) error {
	c := s.client(ctx)
	query := `
		INSERT INTO outcomes (dashboard_record_id, outcome_type, outcome_value, measured_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := c.QueryRowContext(ctx, query,
		outcome.DashboardRecordID, outcome.OutcomeType, outcome.OutcomeValue,
		outcome.MeasuredDate, outcome.CreatedAt,
	).Scan(&outcome.ID)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	mark := `UPDATE dashboard_records SET outcome_collected = TRUE, updated_at = $1 WHERE id = $2`
	res, err := c.ExecContext(ctx, mark, outcome.CreatedAt, outcome.DashboardRecordID)
	if err != nil {
		return fmt.Errorf("mark outcome collected: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) ListSessions(ctx context.Context, recordID int64) ([]*models.Session, error) {
	query := `
		SELECT id, dashboard_record_id, session_date, session_type, created_by, created_at
		FROM sessions
		WHERE dashboard_record_id = $1
		ORDER BY session_date
	`
	rows, err := s.client(ctx).QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.DashboardRecordID, &session.SessionDate, &session.SessionType, &session.CreatedBy, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *Postgres) ListOutcomes(ctx context.Context, recordID int64) ([]*models.Outcome, error) {
	query := `
		SELECT id, dashboard_record_id, outcome_type, outcome_value, measured_date, created_at
		FROM outcomes
		WHERE dashboard_record_id = $1
		ORDER BY measured_date
	`
	rows, err := s.client(ctx).QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []*models.Outcome
	for rows.Next() {
		var outcome models.Outcome
		if err := rows.Scan(&outcome.ID, &outcome.DashboardRecordID, &outcome.OutcomeType, &outcome.OutcomeValue, &outcome.MeasuredDate, &outcome.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, &outcome)
	}
	return out, rows.Err()
}

func (s *Postgres) Summary(ctx context.Context, filter scope.Filter) ([]*DistrictSummary, error) {
	c := s.client(ctx)

	districtQuery := `
		SELECT d.id, d.name,
			COUNT(r.id) AS total_students,
			COUNT(r.id) FILTER (WHERE r.service_status = 'active') AS active_students
		FROM districts d
		LEFT JOIN dashboard_records r ON r.district_id = d.id
		WHERE d.is_active = TRUE AND ($1::bigint IS NULL OR d.id = $1)
		GROUP BY d.id, d.name
		ORDER BY d.name
	`
	rows, err := c.QueryContext(ctx, districtQuery, filter.DistrictID)
	if err != nil {
		return nil, fmt.Errorf("summarize districts: %w", err)
	}
	defer rows.Close()

	var out []*DistrictSummary
	byDistrict := make(map[int64]*DistrictSummary)
	for rows.Next() {
		var ds DistrictSummary
		if err := rows.Scan(&ds.DistrictID, &ds.DistrictName, &ds.TotalStudents, &ds.ActiveStudents); err != nil {
			return nil, fmt.Errorf("scan district summary: %w", err)
		}
		out = append(out, &ds)
		byDistrict[ds.DistrictID] = &ds
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	schoolQuery := `
		SELECT s.district_id, s.id, s.name,
			COUNT(r.id) AS total_students,
			COUNT(r.id) FILTER (WHERE r.service_status = 'active') AS active_students
		FROM schools s
		LEFT JOIN dashboard_records r ON r.school_id = s.id
		WHERE s.is_active = TRUE
		  AND ($1::bigint IS NULL OR s.district_id = $1)
		  AND ($2::bigint IS NULL OR s.id = $2)
		GROUP BY s.district_id, s.id, s.name
		ORDER BY s.name
	`
	schoolRows, err := c.QueryContext(ctx, schoolQuery, filter.DistrictID, filter.SchoolID)
	if err != nil {
		return nil, fmt.Errorf("summarize schools: %w", err)
	}
	defer schoolRows.Close()

	for schoolRows.Next() {
		var districtID int64
		var row SchoolSummary
		if err := schoolRows.Scan(&districtID, &row.SchoolID, &row.SchoolName, &row.TotalStudents, &row.ActiveStudents); err != nil {
			return nil, fmt.Errorf("scan school summary: %w", err)
		}
		if ds, ok := byDistrict[districtID]; ok {
			ds.Schools = append(ds.Schools, &row)
			ds.TotalSchools++
		}
	}
	return out, schoolRows.Err()
}
