// Failed message repository - a dead-letter log for work-queue messages
// that exhausted their retry budget. Implements queue.FailureSink; safe to
// import here since pkg/queue has no dependency back on pkg/database.

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
)

// FailedMessage represents a permanently failed queue message.
// Maps to: failed_messages table
type FailedMessage struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	QueueName  string          `db:"queue_name" json:"queue_name"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// FailedMessageRepository persists messages the queue gave up retrying.
type FailedMessageRepository struct {
	client *Client
}

func NewFailedMessageRepository(client *Client) *FailedMessageRepository {
	return &FailedMessageRepository{client: client}
}

// RecordFailedMessage satisfies queue.FailureSink.
func (r *FailedMessageRepository) RecordFailedMessage(ctx context.Context, queueName string, msg queue.Message, lastErr error) error {
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	query := `
		INSERT INTO failed_messages (id, queue_name, payload, retry_count, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, execErr := r.client.ExecContext(ctx, query, uuid.New(), queueName, msg.Payload, msg.RetryCount, errText, time.Now())
	if execErr != nil {
		return fmt.Errorf("failed to record failed message: %w", execErr)
	}
	return nil
}

// ListForQueue returns failed messages recorded for a queue, newest first,
// for operator inspection and manual replay.
func (r *FailedMessageRepository) ListForQueue(ctx context.Context, queueName string, limit int) ([]*FailedMessage, error) {
	query := `
		SELECT id, queue_name, payload, retry_count, last_error, created_at
		FROM failed_messages
		WHERE queue_name = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.client.QueryContext(ctx, query, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	defer rows.Close()

	var out []*FailedMessage
	for rows.Next() {
		fm := &FailedMessage{}
		if err := rows.Scan(&fm.ID, &fm.QueueName, &fm.Payload, &fm.RetryCount, &fm.LastError, &fm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed message: %w", err)
		}
		out = append(out, fm)
	}
	return out, rows.Err()
}
