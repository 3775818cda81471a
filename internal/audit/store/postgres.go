package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sapdash/internal/audit"
	txcontext "sapdash/pkg/platform/tx"
)

// Postgres persists audit entries in the audit_logs table. Append joins an
// open transaction from context when present so the entry commits with the
// data write it describes.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) Append(ctx context.Context, entry *audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			id, actor_id, action, resource_type, resource_id,
			district_id, source_ip, user_agent, details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		entry.ID,
		entry.ActorID,
		string(entry.Action),
		entry.ResourceType,
		entry.ResourceID,
		entry.DistrictID,
		entry.SourceIP,
		entry.UserAgent,
		details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*audit.Entry, error) {
	query := `
		SELECT id, actor_id, action, resource_type, resource_id,
		       district_id, source_ip, user_agent, details, created_at
		FROM audit_logs
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *Postgres) ListRecent(ctx context.Context, limit int) ([]*audit.Entry, error) {
	query := `
		SELECT id, actor_id, action, resource_type, resource_id,
		       district_id, source_ip, user_agent, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	for rows.Next() {
		var (
			entry   audit.Entry
			action  string
			details []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.ActorID,
			&action,
			&entry.ResourceType,
			&entry.ResourceID,
			&entry.DistrictID,
			&entry.SourceIP,
			&entry.UserAgent,
			&details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Action = audit.Action(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
