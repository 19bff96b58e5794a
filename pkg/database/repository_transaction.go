// Transaction repository - records and tracks inbound transfers through
// the confirmation and settlement lifecycle.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionRepository handles transaction record operations.
type TransactionRepository struct {
	client *Client
}

func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

// CreateTransactionTx records a newly observed transfer to a payment
// address within dbtx, so the insert commits atomically with its audit
// entry.
func (r *TransactionRepository) CreateTransactionTx(ctx context.Context, dbtx *Tx, input *NewTransactionRecord) (*Transaction, error) {
	return r.createTransaction(ctx, dbtx, input)
}

func (r *TransactionRepository) createTransaction(ctx context.Context, run runner, input *NewTransactionRecord) (*Transaction, error) {
	kind := input.Kind
	if kind == "" {
		kind = TransactionKindPayment
	}

	t := &Transaction{
		ID:               uuid.New(),
		PaymentAddressID: input.PaymentAddressID,
		Kind:             kind,
		TxHash:           sql.NullString{String: input.TxHash, Valid: input.TxHash != ""},
		BlockNumber:      sql.NullInt64{Int64: input.BlockNumber, Valid: input.BlockNumber > 0},
		BlockHash:        sql.NullString{String: input.BlockHash, Valid: input.BlockHash != ""},
		FromAddress:      input.FromAddress,
		Amount:           input.Amount,
		Confirmations:    0,
		Status:           TransactionStatusPending,
		DetectedVia:      input.DetectedVia,
		DetectedAt:       time.Now(),
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}

	query := `
		INSERT INTO transactions (
			id, payment_address_id, kind, tx_hash, block_number, block_hash,
			from_address, amount, confirmations, status, detected_via,
			detected_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err := run.QueryRowContext(ctx, query,
		t.ID, t.PaymentAddressID, t.Kind, t.TxHash, t.BlockNumber, t.BlockHash,
		t.FromAddress, t.Amount, t.Confirmations, t.Status, t.DetectedVia,
		t.DetectedAt, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("transaction already recorded: %w", ErrDuplicateAddress)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return t, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *TransactionRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	query := transactionSelectQuery + `WHERE id = $1`
	return scanTransaction(r.client.QueryRowContext(ctx, query, id))
}

// GetTransactionByHash retrieves a transaction by its on-chain hash.
func (r *TransactionRepository) GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	query := transactionSelectQuery + `WHERE tx_hash = $1`
	return scanTransaction(r.client.QueryRowContext(ctx, query, txHash))
}

const transactionSelectQuery = `
	SELECT id, payment_address_id, kind, tx_hash, block_number, block_hash,
		from_address, amount, confirmations, status, detected_via, reorg_count,
		settled_tx_hash, failure_reason, detected_at, confirmed_at, settled_at,
		created_at, updated_at
	FROM transactions
	`

func scanTransaction(row *sql.Row) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(
		&t.ID, &t.PaymentAddressID, &t.Kind, &t.TxHash, &t.BlockNumber, &t.BlockHash,
		&t.FromAddress, &t.Amount, &t.Confirmations, &t.Status, &t.DetectedVia, &t.ReorgCount,
		&t.SettledTxHash, &t.FailureReason, &t.DetectedAt, &t.ConfirmedAt, &t.SettledAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return t, nil
}

// ListUnconfirmed returns transactions still accruing confirmations, for
// the confirmation engine's recheck loop.
func (r *TransactionRepository) ListUnconfirmed(ctx context.Context) ([]*Transaction, error) {
	query := transactionSelectQuery + `WHERE status IN ('pending', 'confirming') ORDER BY detected_at ASC`

	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactionRows(rows)
}

// ListConfirmedUnsettled returns confirmed merchant payments awaiting
// sweep. Scoped to kind='payment' so settlement/refund/cold-storage rows,
// which ride the same status column, are never mistaken for a pending
// sweep target.
func (r *TransactionRepository) ListConfirmedUnsettled(ctx context.Context) ([]*Transaction, error) {
	query := transactionSelectQuery + `WHERE status = 'confirmed' AND kind = 'payment' ORDER BY confirmed_at ASC`

	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactionRows(rows)
}

// ListUnconfirmedByKind returns in-flight transactions of a single kind,
// used by the settlement and refund engines to track their own outbound
// transfers through the shared confirmation machinery without picking up
// unrelated inbound payments.
func (r *TransactionRepository) ListUnconfirmedByKind(ctx context.Context, kind TransactionKind) ([]*Transaction, error) {
	query := transactionSelectQuery + `WHERE status IN ('pending', 'confirming') AND kind = $1 ORDER BY detected_at ASC`

	rows, err := r.client.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed transactions by kind: %w", err)
	}
	defer rows.Close()

	return scanTransactionRows(rows)
}

// ListConfirmedByKind returns transactions of a single outbound kind that
// have reached confirmed but not yet been advanced past it, for the
// settlement and refund engines' own completion sweeps (they repurpose
// the shared confirmation machinery's "confirmed" status as a pending
// queue of effects still to apply).
func (r *TransactionRepository) ListConfirmedByKind(ctx context.Context, kind TransactionKind) ([]*Transaction, error) {
	query := transactionSelectQuery + `WHERE status = 'confirmed' AND kind = $1 ORDER BY confirmed_at ASC`

	rows, err := r.client.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed transactions by kind: %w", err)
	}
	defer rows.Close()

	return scanTransactionRows(rows)
}

// ListByMerchant returns every transaction recorded against one of
// merchantID's payment addresses, newest first, for the GET /transactions
// REST endpoint.
func (r *TransactionRepository) ListByMerchant(ctx context.Context, merchantID uuid.UUID, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT t.id, t.payment_address_id, t.kind, t.tx_hash, t.block_number, t.block_hash,
			t.from_address, t.amount, t.confirmations, t.status, t.detected_via, t.reorg_count,
			t.settled_tx_hash, t.failure_reason, t.detected_at, t.confirmed_at, t.settled_at,
			t.created_at, t.updated_at
		FROM transactions t
		JOIN payment_addresses pa ON pa.id = t.payment_address_id
		WHERE pa.merchant_id = $1
		ORDER BY t.detected_at DESC
		LIMIT $2`

	rows, err := r.client.QueryContext(ctx, query, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions by merchant: %w", err)
	}
	defer rows.Close()

	return scanTransactionRows(rows)
}

func scanTransactionRows(rows *sql.Rows) ([]*Transaction, error) {
	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(
			&t.ID, &t.PaymentAddressID, &t.Kind, &t.TxHash, &t.BlockNumber, &t.BlockHash,
			&t.FromAddress, &t.Amount, &t.Confirmations, &t.Status, &t.DetectedVia, &t.ReorgCount,
			&t.SettledTxHash, &t.FailureReason, &t.DetectedAt, &t.ConfirmedAt, &t.SettledAt,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// UpdateConfirmations records the current confirmation count and block
// metadata as new blocks are observed.
func (r *TransactionRepository) UpdateConfirmations(ctx context.Context, id uuid.UUID, confirmations int, blockNumber int64, blockHash string) error {
	query := `
		UPDATE transactions
		SET confirmations = $2, block_number = $3, block_hash = $4, updated_at = $5
		WHERE id = $1`

	_, err := r.client.ExecContext(ctx, query, id, confirmations, blockNumber, blockHash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update confirmations: %w", err)
	}
	return nil
}

// UpdateStatusCASTx performs a compare-and-swap status transition within
// dbtx, so the change commits atomically with its audit entry.
func (r *TransactionRepository) UpdateStatusCASTx(ctx context.Context, dbtx *Tx, id uuid.UUID, expectedFrom, to TransactionStatus) error {
	return r.updateStatusCAS(ctx, dbtx, id, expectedFrom, to)
}

func (r *TransactionRepository) updateStatusCAS(ctx context.Context, run runner, id uuid.UUID, expectedFrom, to TransactionStatus) error {
	var query string
	var args []interface{}

	switch to {
	case TransactionStatusConfirmed:
		query = `UPDATE transactions SET status = $3, confirmed_at = $4, updated_at = $4 WHERE id = $1 AND status = $2`
		args = []interface{}{id, expectedFrom, to, time.Now()}
	case TransactionStatusSettled:
		query = `UPDATE transactions SET status = $3, settled_at = $4, updated_at = $4 WHERE id = $1 AND status = $2`
		args = []interface{}{id, expectedFrom, to, time.Now()}
	default:
		query = `UPDATE transactions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
		args = []interface{}{id, expectedFrom, to, time.Now()}
	}

	result, err := run.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}

	return nil
}

// RevertToPendingTx handles a detected re-org: it clears the recorded block
// fields, resets confirmations to zero, and increments reorg_count. The
// caller is responsible for forcing the transaction to failed instead when
// reorg_count is already >= 1 (only one retrograde transition is allowed).
func (r *TransactionRepository) RevertToPendingTx(ctx context.Context, dbtx *Tx, id uuid.UUID, expectedFrom TransactionStatus) error {
	return r.revertToPending(ctx, dbtx, id, expectedFrom)
}

func (r *TransactionRepository) revertToPending(ctx context.Context, run runner, id uuid.UUID, expectedFrom TransactionStatus) error {
	query := `
		UPDATE transactions
		SET status = 'pending', confirmations = 0, block_number = NULL, block_hash = NULL,
			reorg_count = reorg_count + 1, updated_at = $3
		WHERE id = $1 AND status = $2`

	result, err := run.ExecContext(ctx, query, id, expectedFrom, time.Now())
	if err != nil {
		return fmt.Errorf("failed to revert transaction to pending: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkFailedTx transitions a transaction directly to failed, recording the
// reason (e.g. re-org beyond the single retrograde-transition allowance).
func (r *TransactionRepository) MarkFailedTx(ctx context.Context, dbtx *Tx, id uuid.UUID, reason string) error {
	return r.markFailed(ctx, dbtx, id, reason)
}

func (r *TransactionRepository) markFailed(ctx context.Context, run runner, id uuid.UUID, reason string) error {
	query := `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1`

	_, err := run.ExecContext(ctx, query, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	return nil
}

// RecordSettlementTx attaches the sweep transaction hash once settlement
// broadcasts successfully.
func (r *TransactionRepository) RecordSettlementTx(ctx context.Context, dbtx *Tx, id uuid.UUID, settledTxHash string) error {
	return r.recordSettlement(ctx, dbtx, id, settledTxHash)
}

func (r *TransactionRepository) recordSettlement(ctx context.Context, run runner, id uuid.UUID, settledTxHash string) error {
	query := `
		UPDATE transactions
		SET settled_tx_hash = $2, updated_at = $3
		WHERE id = $1`

	_, err := run.ExecContext(ctx, query, id, settledTxHash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}
