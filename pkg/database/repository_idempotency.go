// Idempotency key repository - caches responses to mutating REST requests.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdempotencyRepository handles idempotency key records.
type IdempotencyRepository struct {
	client *Client
}

func NewIdempotencyRepository(client *Client) *IdempotencyRepository {
	return &IdempotencyRepository{client: client}
}

// Get retrieves a cached response for an idempotency key, if present and
// not yet expired.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	query := `
		SELECT key, merchant_id, response_body, response_code, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > $2`

	rec := &IdempotencyRecord{}
	err := r.client.QueryRowContext(ctx, query, key, time.Now()).Scan(
		&rec.Key, &rec.MerchantID, &rec.ResponseBody, &rec.ResponseCode, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	return rec, nil
}

// Store caches a response against an idempotency key for ttl. A conflicting
// concurrent insert for the same key is treated as a no-op: the first
// writer wins and later callers should re-read with Get.
func (r *IdempotencyRepository) Store(ctx context.Context, merchantID uuid.UUID, key string, responseBody json.RawMessage, responseCode int, ttl time.Duration) error {
	query := `
		INSERT INTO idempotency_keys (key, merchant_id, response_body, response_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`

	now := time.Now()
	_, err := r.client.ExecContext(ctx, query, key, merchantID, responseBody, responseCode, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}
