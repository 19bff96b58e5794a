// Merchant repository - CRUD operations for merchant tenants.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MerchantRepository handles merchant record operations.
type MerchantRepository struct {
	client *Client
}

func NewMerchantRepository(client *Client) *MerchantRepository {
	return &MerchantRepository{client: client}
}

// CreateMerchant creates a new merchant tenant.
func (r *MerchantRepository) CreateMerchant(ctx context.Context, input *NewMerchantRecord) (*Merchant, error) {
	m := &Merchant{
		ID:                uuid.New(),
		Name:              input.Name,
		APIKeyHash:        input.APIKeyHash,
		WebhookURL:        sql.NullString{String: input.WebhookURL, Valid: input.WebhookURL != ""},
		SettlementAddress: sql.NullString{String: input.SettlementAddress, Valid: input.SettlementAddress != ""},
		AutoSweep:         input.AutoSweep,
		Status:            MerchantStatusActive,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	query := `
		INSERT INTO merchants (
			id, name, api_key_hash, webhook_url, settlement_address,
			auto_sweep, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.client.QueryRowContext(ctx, query,
		m.ID, m.Name, m.APIKeyHash, m.WebhookURL, m.SettlementAddress,
		m.AutoSweep, m.Status, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create merchant: %w", err)
	}

	return m, nil
}

// GetMerchant retrieves a merchant by ID.
func (r *MerchantRepository) GetMerchant(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	query := `
		SELECT id, name, api_key_hash, webhook_url, settlement_address,
			auto_sweep, status, created_at, updated_at
		FROM merchants
		WHERE id = $1`

	m := &Merchant{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.APIKeyHash, &m.WebhookURL, &m.SettlementAddress,
		&m.AutoSweep, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}

	return m, nil
}

// GetMerchantByAPIKeyHash retrieves a merchant by its hashed API key, used
// to authenticate inbound REST requests.
func (r *MerchantRepository) GetMerchantByAPIKeyHash(ctx context.Context, hash string) (*Merchant, error) {
	query := `
		SELECT id, name, api_key_hash, webhook_url, settlement_address,
			auto_sweep, status, created_at, updated_at
		FROM merchants
		WHERE api_key_hash = $1`

	m := &Merchant{}
	err := r.client.QueryRowContext(ctx, query, hash).Scan(
		&m.ID, &m.Name, &m.APIKeyHash, &m.WebhookURL, &m.SettlementAddress,
		&m.AutoSweep, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant by api key: %w", err)
	}

	return m, nil
}

// UpdateMerchantStatus transitions a merchant between active and suspended.
func (r *MerchantRepository) UpdateMerchantStatus(ctx context.Context, id uuid.UUID, status MerchantStatus) error {
	query := `
		UPDATE merchants
		SET status = $2, updated_at = $3
		WHERE id = $1`

	result, err := r.client.ExecContext(ctx, query, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update merchant status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrMerchantNotFound
	}

	return nil
}
