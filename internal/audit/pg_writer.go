package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgWriter struct {
	pool *pgxpool.Pool
}

func NewPgWriter(pool *pgxpool.Pool) *PgWriter {
	return &PgWriter{pool: pool}
}

// Write inserts rec into audit_logs. created_at is defaulted by Postgres.
func (w *PgWriter) Write(ctx context.Context, rec Record) error {
	var details any
	if len(rec.Details) > 0 {
		details = rec.Details
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO audit_logs (user_id, user_role, action_type, entity_name, entity_id, action_details, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ActorID, nullableString(rec.ActorRole), rec.Action, rec.Entity, rec.EntityID, details, nullableString(rec.ClientIP))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

type Filter struct {
	Action  string
	Entity  string
	ActorID *int64
	Limit   int
	Offset  int
}

// List returns audit records newest first.
func (w *PgWriter) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := w.pool.Query(ctx, `
		SELECT audit_id, user_id, COALESCE(user_role, ''), action_type, entity_name, entity_id,
		       action_details, COALESCE(ip_address, ''), created_at
		FROM audit_logs
		WHERE ($1::text = '' OR action_type = $1)
		  AND ($2::text = '' OR entity_name = $2)
		  AND ($3::BIGINT IS NULL OR user_id = $3)
		ORDER BY created_at DESC, audit_id DESC
		LIMIT $4 OFFSET $5
	`, f.Action, f.Entity, f.ActorID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		var details []byte
		err := row.Scan(&r.ID, &r.ActorID, &r.ActorRole, &r.Action, &r.Entity, &r.EntityID,
			&details, &r.ClientIP, &r.CreatedAt)
		r.Details = details
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit logs: %w", err)
	}
	return records, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
