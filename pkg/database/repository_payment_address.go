// Payment address repository - CRUD and lifecycle operations for derived
// deposit addresses.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentAddressRepository handles payment address record operations.
type PaymentAddressRepository struct {
	client *Client
}

func NewPaymentAddressRepository(client *Client) *PaymentAddressRepository {
	return &PaymentAddressRepository{client: client}
}

// BeginTx opens a transaction on the underlying client, for callers like
// the address service that hold only this repository but must commit an
// insert and its audit entry atomically.
func (r *PaymentAddressRepository) BeginTx(ctx context.Context) (*Tx, error) {
	return r.client.BeginTx(ctx)
}

// CreatePaymentAddressTx records a newly derived address within dbtx, so
// the insert commits atomically with its audit entry. A unique violation
// on the address or hd_path columns surfaces as ErrDuplicateAddress so the
// address service can retry with the next HD index.
func (r *PaymentAddressRepository) CreatePaymentAddressTx(ctx context.Context, dbtx *Tx, input *NewPaymentAddressRecord) (*PaymentAddress, error) {
	return r.createPaymentAddress(ctx, dbtx, input)
}

func (r *PaymentAddressRepository) createPaymentAddress(ctx context.Context, run runner, input *NewPaymentAddressRecord) (*PaymentAddress, error) {
	kind := input.Kind
	if kind == "" {
		kind = PaymentAddressKindMerchantPayment
	}

	pa := &PaymentAddress{
		ID:             uuid.New(),
		MerchantID:     input.MerchantID,
		Address:        input.Address,
		HDPath:         input.HDPath,
		HDIndex:        input.HDIndex,
		Kind:           kind,
		EncryptedKey:   sql.NullString{String: input.EncryptedKey, Valid: input.EncryptedKey != ""},
		ExpectedAmount: sql.NullString{String: input.ExpectedAmount, Valid: input.ExpectedAmount != ""},
		TokenContract:  input.TokenContract,
		Status:         PaymentAddressStatusPending,
		ExpiresAt:      input.ExpiresAt,
		Reference:      sql.NullString{String: input.Reference, Valid: input.Reference != ""},
		Metadata:       input.Metadata,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	query := `
		INSERT INTO payment_addresses (
			id, merchant_id, address, hd_path, hd_index, kind, encrypted_key,
			expected_amount, token_contract, status, expires_at, reference, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at`

	err := run.QueryRowContext(ctx, query,
		pa.ID, pa.MerchantID, pa.Address, pa.HDPath, pa.HDIndex, pa.Kind, pa.EncryptedKey,
		pa.ExpectedAmount, pa.TokenContract, pa.Status, pa.ExpiresAt, pa.Reference, pa.Metadata,
		pa.CreatedAt, pa.UpdatedAt,
	).Scan(&pa.ID, &pa.CreatedAt, &pa.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateAddress
		}
		return nil, fmt.Errorf("failed to create payment address: %w", err)
	}

	return pa, nil
}

const paymentAddressSelectQuery = `
	SELECT id, merchant_id, address, hd_path, hd_index, kind, encrypted_key,
		expected_amount, token_contract, status, expires_at, reference, metadata,
		created_at, updated_at
	FROM payment_addresses
	`

// GetPaymentAddress retrieves a payment address by ID.
func (r *PaymentAddressRepository) GetPaymentAddress(ctx context.Context, id uuid.UUID) (*PaymentAddress, error) {
	query := paymentAddressSelectQuery + `WHERE id = $1`
	return scanPaymentAddress(r.client.QueryRowContext(ctx, query, id))
}

// GetPaymentAddressByAddress retrieves a payment address by its on-chain
// address, used by the observer to resolve an incoming transfer.
func (r *PaymentAddressRepository) GetPaymentAddressByAddress(ctx context.Context, address string) (*PaymentAddress, error) {
	query := paymentAddressSelectQuery + `WHERE address = $1`
	return scanPaymentAddress(r.client.QueryRowContext(ctx, query, address))
}

// GetHotWallet returns the gateway's single hot-wallet address, if one has
// already been provisioned. address.Service.GetOrCreateHotWallet calls
// this before deriving a new one, and the settlement engine's cold sweep
// calls it to find the wallet it sweeps from.
func (r *PaymentAddressRepository) GetHotWallet(ctx context.Context) (*PaymentAddress, error) {
	query := paymentAddressSelectQuery + `WHERE kind = $1 ORDER BY created_at ASC LIMIT 1`
	return scanPaymentAddress(r.client.QueryRowContext(ctx, query, PaymentAddressKindHotWallet))
}

func scanPaymentAddress(row *sql.Row) (*PaymentAddress, error) {
	pa := &PaymentAddress{}
	err := row.Scan(
		&pa.ID, &pa.MerchantID, &pa.Address, &pa.HDPath, &pa.HDIndex, &pa.Kind, &pa.EncryptedKey,
		&pa.ExpectedAmount, &pa.TokenContract, &pa.Status, &pa.ExpiresAt, &pa.Reference, &pa.Metadata,
		&pa.CreatedAt, &pa.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment address: %w", err)
	}
	return pa, nil
}

// ListMonitored returns every payment address still eligible for chain
// observation (pending or confirming, not yet expired).
func (r *PaymentAddressRepository) ListMonitored(ctx context.Context) ([]*PaymentAddress, error) {
	query := paymentAddressSelectQuery + `WHERE status IN ('pending', 'confirming') ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored addresses: %w", err)
	}
	defer rows.Close()

	return scanPaymentAddressRows(rows)
}

// ListExpired returns pending addresses whose lifetime has elapsed with no
// detected payment, for the expiry sweep.
func (r *PaymentAddressRepository) ListExpired(ctx context.Context, asOf time.Time) ([]*PaymentAddress, error) {
	query := paymentAddressSelectQuery + `WHERE status = 'pending' AND expires_at <= $1`

	rows, err := r.client.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired addresses: %w", err)
	}
	defer rows.Close()

	return scanPaymentAddressRows(rows)
}

func scanPaymentAddressRows(rows *sql.Rows) ([]*PaymentAddress, error) {
	var addrs []*PaymentAddress
	for rows.Next() {
		pa := &PaymentAddress{}
		if err := rows.Scan(
			&pa.ID, &pa.MerchantID, &pa.Address, &pa.HDPath, &pa.HDIndex, &pa.Kind, &pa.EncryptedKey,
			&pa.ExpectedAmount, &pa.TokenContract, &pa.Status, &pa.ExpiresAt, &pa.Reference, &pa.Metadata,
			&pa.CreatedAt, &pa.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment address: %w", err)
		}
		addrs = append(addrs, pa)
	}
	return addrs, rows.Err()
}

// MaxHDIndex returns the highest hd_index issued so far, or -1 if none.
// Merchant-payment and hot-wallet addresses are derived under the same
// base path, so the high-water mark is tracked across both kinds; a
// per-kind maximum would reissue an index the other kind already used.
func (r *PaymentAddressRepository) MaxHDIndex(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := r.client.QueryRowContext(ctx, `SELECT MAX(hd_index) FROM payment_addresses`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max hd index: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// UpdateStatusCASTx performs a compare-and-swap status transition within
// dbtx: the update only applies if the row's current status still matches
// expectedFrom, and it commits atomically with its audit entry.
func (r *PaymentAddressRepository) UpdateStatusCASTx(ctx context.Context, dbtx *Tx, id uuid.UUID, expectedFrom, to PaymentAddressStatus) error {
	return r.updateStatusCAS(ctx, dbtx, id, expectedFrom, to)
}

func (r *PaymentAddressRepository) updateStatusCAS(ctx context.Context, run runner, id uuid.UUID, expectedFrom, to PaymentAddressStatus) error {
	query := `
		UPDATE payment_addresses
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`

	result, err := run.ExecContext(ctx, query, id, expectedFrom, to, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update payment address status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}

	return nil
}
