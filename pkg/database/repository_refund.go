// Refund repository - tracks reversals of overpaid or post-expiry
// transactions.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefundRepository handles refund record operations.
type RefundRepository struct {
	client *Client
}

func NewRefundRepository(client *Client) *RefundRepository {
	return &RefundRepository{client: client}
}

// CreateRefundTx opens a new refund in pending status within dbtx, so
// the insert commits atomically with its audit entry.
func (r *RefundRepository) CreateRefundTx(ctx context.Context, dbtx *Tx, txID uuid.UUID, reason RefundReason, amount, destination, initiatedBy string) (*Refund, error) {
	return r.createRefund(ctx, dbtx, txID, reason, amount, destination, initiatedBy)
}

func (r *RefundRepository) createRefund(ctx context.Context, run runner, txID uuid.UUID, reason RefundReason, amount, destination, initiatedBy string) (*Refund, error) {
	rf := &Refund{
		ID:            uuid.New(),
		TransactionID: txID,
		Reason:        reason,
		Amount:        amount,
		Destination:   destination,
		Status:        RefundStatusPending,
		InitiatedBy:   initiatedBy,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	query := `
		INSERT INTO refunds (
			id, transaction_id, reason, amount, destination, status,
			initiated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := run.QueryRowContext(ctx, query,
		rf.ID, rf.TransactionID, rf.Reason, rf.Amount, rf.Destination, rf.Status,
		rf.InitiatedBy, rf.CreatedAt, rf.UpdatedAt,
	).Scan(&rf.ID, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}

	return rf, nil
}

const refundSelectQuery = `
	SELECT id, transaction_id, reason, amount, destination, status,
		refund_tx_hash, initiated_by, created_at, completed_at, updated_at
	FROM refunds
	`

func scanRefundRows(rows *sql.Rows) ([]*Refund, error) {
	var refunds []*Refund
	for rows.Next() {
		rf := &Refund{}
		if err := rows.Scan(
			&rf.ID, &rf.TransactionID, &rf.Reason, &rf.Amount, &rf.Destination, &rf.Status,
			&rf.RefundTxHash, &rf.InitiatedBy, &rf.CreatedAt, &rf.CompletedAt, &rf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, rf)
	}
	return refunds, rows.Err()
}

// GetByTransactionAndReason looks up an existing refund opened against a
// transaction for a given reason, letting the refund engine treat a
// redelivered refund.process task as idempotent instead of double-spending.
func (r *RefundRepository) GetByTransactionAndReason(ctx context.Context, txID uuid.UUID, reason RefundReason) (*Refund, error) {
	query := refundSelectQuery + `WHERE transaction_id = $1 AND reason = $2 ORDER BY created_at DESC LIMIT 1`

	rf := &Refund{}
	err := r.client.QueryRowContext(ctx, query, txID, reason).Scan(
		&rf.ID, &rf.TransactionID, &rf.Reason, &rf.Amount, &rf.Destination, &rf.Status,
		&rf.RefundTxHash, &rf.InitiatedBy, &rf.CreatedAt, &rf.CompletedAt, &rf.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return rf, nil
}

// ListSubmitted returns refunds whose broadcast transaction hash has been
// recorded but not yet confirmed, for the refund engine's completion poll.
func (r *RefundRepository) ListSubmitted(ctx context.Context) ([]*Refund, error) {
	query := refundSelectQuery + `WHERE status = 'submitted' ORDER BY updated_at ASC`

	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted refunds: %w", err)
	}
	defer rows.Close()

	return scanRefundRows(rows)
}

// ListPending returns refunds still awaiting broadcast.
func (r *RefundRepository) ListPending(ctx context.Context) ([]*Refund, error) {
	query := `
		SELECT id, transaction_id, reason, amount, destination, status,
			refund_tx_hash, initiated_by, created_at, completed_at, updated_at
		FROM refunds
		WHERE status = 'pending'
		ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*Refund
	for rows.Next() {
		rf := &Refund{}
		if err := rows.Scan(
			&rf.ID, &rf.TransactionID, &rf.Reason, &rf.Amount, &rf.Destination, &rf.Status,
			&rf.RefundTxHash, &rf.InitiatedBy, &rf.CreatedAt, &rf.CompletedAt, &rf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, rf)
	}

	return refunds, rows.Err()
}

// MarkSubmittedTx records the broadcast transaction hash within dbtx.
func (r *RefundRepository) MarkSubmittedTx(ctx context.Context, dbtx *Tx, id uuid.UUID, txHash string) error {
	return r.markSubmitted(ctx, dbtx, id, txHash)
}

func (r *RefundRepository) markSubmitted(ctx context.Context, run runner, id uuid.UUID, txHash string) error {
	query := `
		UPDATE refunds
		SET status = 'submitted', refund_tx_hash = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`

	result, err := run.ExecContext(ctx, query, id, txHash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark refund submitted: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkCompletedTx finalizes a refund within dbtx once its broadcast
// transaction confirms.
func (r *RefundRepository) MarkCompletedTx(ctx context.Context, dbtx *Tx, id uuid.UUID) error {
	return r.markCompleted(ctx, dbtx, id)
}

func (r *RefundRepository) markCompleted(ctx context.Context, run runner, id uuid.UUID) error {
	query := `
		UPDATE refunds
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'submitted'`

	result, err := run.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark refund completed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkFailedTx records a failed broadcast or confirmation within dbtx.
func (r *RefundRepository) MarkFailedTx(ctx context.Context, dbtx *Tx, id uuid.UUID) error {
	return r.markFailed(ctx, dbtx, id)
}

func (r *RefundRepository) markFailed(ctx context.Context, run runner, id uuid.UUID) error {
	query := `
		UPDATE refunds
		SET status = 'failed', updated_at = $2
		WHERE id = $1`

	_, err := run.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark refund failed: %w", err)
	}
	return nil
}
