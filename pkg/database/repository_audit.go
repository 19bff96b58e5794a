// Audit log repository - one immutable row per lifecycle transition.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditRepository handles audit log record operations. Writes go through
// RecordTx so the audit row commits in the same transaction as the state
// change it records.
type AuditRepository struct {
	client *Client
}

func NewAuditRepository(client *Client) *AuditRepository {
	return &AuditRepository{client: client}
}

const auditInsertQuery = `
	INSERT INTO audit_log (
		id, entity_type, entity_id, action, from_status, to_status, detail, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// RecordTx writes an audit entry within an existing transaction, so it
// commits or rolls back atomically with the state change it documents.
func (r *AuditRepository) RecordTx(ctx context.Context, tx *Tx, entry *AuditLogEntry) error {
	return record(ctx, tx.Tx(), entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func record(ctx context.Context, ex execer, entry *AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := ex.ExecContext(ctx, auditInsertQuery,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		entry.FromStatus, entry.ToStatus, entry.Detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail for a single entity, oldest first.
func (r *AuditRepository) ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, from_status, to_status, detail, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ToDetail marshals an arbitrary struct to json.RawMessage for the Detail
// column, swallowing marshal errors into an empty object since audit
// detail is best-effort context, not load-bearing state.
func ToDetail(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
