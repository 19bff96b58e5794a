// Webhook endpoint repository - registered delivery targets and their
// delivery attempts.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// WebhookEndpointRepository handles webhook endpoint and delivery records.
type WebhookEndpointRepository struct {
	client *Client
}

func NewWebhookEndpointRepository(client *Client) *WebhookEndpointRepository {
	return &WebhookEndpointRepository{client: client}
}

// CreateEndpoint registers a new webhook delivery target for a merchant.
func (r *WebhookEndpointRepository) CreateEndpoint(ctx context.Context, merchantID uuid.UUID, url, secret string, events []string) (*WebhookEndpoint, error) {
	ep := &WebhookEndpoint{
		ID:         uuid.New(),
		MerchantID: merchantID,
		URL:        url,
		Secret:     secret,
		Events:     events,
		Status:     WebhookEndpointStatusActive,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	query := `
		INSERT INTO webhook_endpoints (
			id, merchant_id, url, secret, events, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := r.client.QueryRowContext(ctx, query,
		ep.ID, ep.MerchantID, ep.URL, ep.Secret, pq.Array(ep.Events), ep.Status, ep.CreatedAt, ep.UpdatedAt,
	).Scan(&ep.ID, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}

	return ep, nil
}

// ListActiveForMerchant returns active endpoints subscribed to an event
// type for the given merchant.
func (r *WebhookEndpointRepository) ListActiveForMerchant(ctx context.Context, merchantID uuid.UUID, eventType string) ([]*WebhookEndpoint, error) {
	query := `
		SELECT id, merchant_id, url, secret, events, status,
			failure_count, last_failure_at, created_at, updated_at
		FROM webhook_endpoints
		WHERE merchant_id = $1 AND status = 'active' AND $2 = ANY(events)`

	rows, err := r.client.QueryContext(ctx, query, merchantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*WebhookEndpoint
	for rows.Next() {
		ep := &WebhookEndpoint{}
		if err := rows.Scan(
			&ep.ID, &ep.MerchantID, &ep.URL, &ep.Secret, pq.Array(&ep.Events), &ep.Status,
			&ep.FailureCount, &ep.LastFailureAt, &ep.CreatedAt, &ep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, rows.Err()
}

// RecordFailure increments the endpoint's failure streak and returns the
// new count. Callers call DisableEndpointTx once a threshold is crossed.
func (r *WebhookEndpointRepository) RecordFailure(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE webhook_endpoints
		SET failure_count = failure_count + 1, last_failure_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING failure_count`

	var count int
	err := r.client.QueryRowContext(ctx, query, id, time.Now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return count, nil
}

// RecordSuccess resets the failure streak after a delivered event.
func (r *WebhookEndpointRepository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_endpoints
		SET failure_count = 0, updated_at = $2
		WHERE id = $1`

	_, err := r.client.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

// BeginTx opens a transaction on the underlying client, so the dispatcher
// can commit an endpoint's status flip and its audit entry atomically.
func (r *WebhookEndpointRepository) BeginTx(ctx context.Context) (*Tx, error) {
	return r.client.BeginTx(ctx)
}

// DisableEndpointTx flips an endpoint to disabled within dbtx once its
// circuit breaker trips, so no further deliveries are attempted until
// re-enabled and the flip commits atomically with its audit entry.
func (r *WebhookEndpointRepository) DisableEndpointTx(ctx context.Context, dbtx *Tx, id uuid.UUID) error {
	return r.disableEndpoint(ctx, dbtx, id)
}

func (r *WebhookEndpointRepository) disableEndpoint(ctx context.Context, run runner, id uuid.UUID) error {
	query := `
		UPDATE webhook_endpoints
		SET status = 'disabled', updated_at = $2
		WHERE id = $1`

	_, err := run.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to disable webhook endpoint: %w", err)
	}
	return nil
}

// CreateDelivery records a new delivery attempt row in pending state.
func (r *WebhookEndpointRepository) CreateDelivery(ctx context.Context, endpointID uuid.UUID, eventType string, payload json.RawMessage) (*WebhookDelivery, error) {
	d := &WebhookDelivery{
		ID:           uuid.New(),
		EndpointID:   endpointID,
		EventType:    eventType,
		Payload:      payload,
		Status:       WebhookDeliveryStatusPending,
		AttemptCount: 0,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	query := `
		INSERT INTO webhook_deliveries (
			id, endpoint_id, event_type, payload, status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := r.client.QueryRowContext(ctx, query,
		d.ID, d.EndpointID, d.EventType, d.Payload, d.Status, d.AttemptCount, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook delivery: %w", err)
	}

	return d, nil
}

// RecordDeliveryAttempt updates a delivery row after an attempt completes.
func (r *WebhookEndpointRepository) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, status WebhookDeliveryStatus, statusCode int, attemptErr error, nextAttemptAt *time.Time) error {
	var lastErr sql.NullString
	if attemptErr != nil {
		lastErr = sql.NullString{String: attemptErr.Error(), Valid: true}
	}
	var next sql.NullTime
	if nextAttemptAt != nil {
		next = sql.NullTime{Time: *nextAttemptAt, Valid: true}
	}

	query := `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = attempt_count + 1, last_status_code = $3,
			last_error = $4, next_attempt_at = $5, updated_at = $6
		WHERE id = $1`

	_, err := r.client.ExecContext(ctx, query, id, status,
		sql.NullInt64{Int64: int64(statusCode), Valid: statusCode != 0}, lastErr, next, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ListDueRetries returns failed deliveries whose next_attempt_at has
// elapsed, for the dispatcher's retry loop.
func (r *WebhookEndpointRepository) ListDueRetries(ctx context.Context, asOf time.Time) ([]*WebhookDelivery, error) {
	query := `
		SELECT id, endpoint_id, event_type, payload, status, attempt_count,
			last_status_code, last_error, next_attempt_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE status = 'failed' AND next_attempt_at <= $1`

	rows, err := r.client.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		d := &WebhookDelivery{}
		if err := rows.Scan(
			&d.ID, &d.EndpointID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
			&d.LastStatusCode, &d.LastError, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, rows.Err()
}
