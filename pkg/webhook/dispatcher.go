// Package webhook delivers merchant-subscribed lifecycle events over
// signed HTTP callbacks, with a per-endpoint circuit breaker and the
// queue's own retry/backoff contract driving redelivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
)

const (
	sendQueueName  = "webhook.send"
	userAgent      = "Crypto-Payment-Gateway/1.0"
	deliveryTimeout = 10 * time.Second
)

// Config controls the endpoint-level retry budget and which events are
// treated as critical enough to retry through an open breaker.
type Config struct {
	MaxRetries      int
	RetryBaseWait   time.Duration
	CriticalEvents  map[string]bool
}

// DefaultConfig carries the delivery defaults: 5 retries at a 15s base,
// with the money-moving events marked critical so they're retried even
// while an endpoint's breaker has just tripped, and published at high
// priority.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryBaseWait: 15 * time.Second,
		CriticalEvents: map[string]bool{
			EventPaymentReceived:     true,
			EventPaymentConfirmed:    true,
			EventPaymentCompleted:    true,
			EventRefundCompleted:     true,
			EventRefundFailed:        true,
			EventSettlementCompleted: true,
		},
	}
}

// Event type names the dispatcher publishes. These strings are the
// external contract: merchants match on them in the body's `event` field
// and the X-Webhook-Event header.
const (
	EventPaymentReceived     = "payment-received"
	EventPaymentConfirmed    = "payment-confirmed"
	EventPaymentCompleted    = "payment-completed"
	EventPaymentUnderpaid    = "payment-underpaid"
	EventAddressCreated      = "address-created"
	EventAddressExpired      = "address-expired"
	EventTransactionSettled  = "transaction-settled"
	EventRefundInitiated     = "refund-initiated"
	EventRefundCompleted     = "refund-completed"
	EventRefundFailed        = "refund-failed"
	EventSettlementCompleted = "settlement-completed"
)

// envelope is the task payload carried through the webhook.send queue.
type envelope struct {
	DeliveryID uuid.UUID       `json:"delivery_id"`
	EndpointID uuid.UUID       `json:"endpoint_id"`
	URL        string          `json:"url"`
	Secret     string          `json:"secret"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	Critical   bool            `json:"critical"`
}

// Dispatcher resolves subscribed endpoints for an event and drives signed
// HTTP deliveries through the work queue.
type Dispatcher struct {
	endpoints *database.WebhookEndpointRepository
	queueSvc  *queue.Service
	audit     *audit.Logger
	breakers  *registry
	http      *http.Client
	cfg       Config
	logger    *log.Logger
}

// NewDispatcher builds a Dispatcher. Call RegisterConsumer once at
// startup so the work queue has a handler for webhook.send.
func NewDispatcher(endpoints *database.WebhookEndpointRepository, queueSvc *queue.Service, auditLogger *audit.Logger, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[webhook] ", log.LstdFlags)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.CriticalEvents == nil {
		cfg.CriticalEvents = DefaultConfig().CriticalEvents
	}
	return &Dispatcher{
		endpoints: endpoints,
		queueSvc:  queueSvc,
		audit:     auditLogger,
		breakers:  newRegistry(),
		http:      &http.Client{Timeout: deliveryTimeout},
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterConsumer wires the dispatcher's deliver handler into the queue
// service's webhook.send consumer. Call once per process.
func (d *Dispatcher) RegisterConsumer(ctx context.Context) {
	d.queueSvc.Consume(ctx, sendQueueName, d.deliver)
}

// Notify resolves every active endpoint subscribed to event for merchantID,
// creates a pending delivery row per endpoint, and enqueues one
// webhook.send task each.
func (d *Dispatcher) Notify(ctx context.Context, merchantID uuid.UUID, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	targets, err := d.endpoints.ListActiveForMerchant(ctx, merchantID, event)
	if err != nil {
		return fmt.Errorf("webhook: resolve endpoints: %w", err)
	}

	critical := d.cfg.CriticalEvents[event]
	priority := queue.PriorityLow
	if critical {
		priority = queue.PriorityHigh
	}

	for _, ep := range targets {
		delivery, err := d.endpoints.CreateDelivery(ctx, ep.ID, event, body)
		if err != nil {
			d.logger.Printf("failed to create delivery row for endpoint %s: %v", ep.ID, err)
			continue
		}

		env := envelope{
			DeliveryID: delivery.ID,
			EndpointID: ep.ID,
			URL:        ep.URL,
			Secret:     ep.Secret,
			Event:      event,
			Payload:    body,
			Critical:   critical,
		}
		if err := d.queueSvc.Publish(ctx, sendQueueName, priority, env); err != nil {
			d.logger.Printf("failed to enqueue delivery for endpoint %s: %v", ep.ID, err)
		}
	}

	return nil
}

// deliver is the webhook.send queue handler: breaker check, signing,
// POST, then per-status-class bookkeeping for a single envelope.
func (d *Dispatcher) deliver(ctx context.Context, msg queue.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("webhook: decode envelope: %w", err)
	}

	b := d.breakers.get(env.URL)
	now := time.Now()
	if !b.allow(now) {
		d.recordFailure(ctx, env.EndpointID, "breaker open")
		if env.Critical {
			return queue.Retryable(ErrBreakerOpen)
		}
		return nil
	}

	idemKey, err := idempotencyKey()
	if err != nil {
		return err
	}
	signature := sign(env.Secret, env.Payload, now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.URL, bytes.NewReader(env.Payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", env.Event)
	req.Header.Set("X-Idempotency-Key", idemKey)

	resp, err := d.http.Do(req)
	if err != nil {
		b.recordFailure(now)
		d.recordFailure(ctx, env.EndpointID, err.Error())
		return queue.Retryable(fmt.Errorf("webhook: request failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b.recordSuccess()
		if err := d.endpoints.RecordSuccess(ctx, env.EndpointID); err != nil {
			d.logger.Printf("failed to record success for %s: %v", env.EndpointID, err)
		}
		if err := d.endpoints.RecordDeliveryAttempt(ctx, env.DeliveryID, database.WebhookDeliveryStatusDelivered, resp.StatusCode, nil, nil); err != nil {
			d.logger.Printf("failed to record delivery attempt for %s: %v", env.DeliveryID, err)
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		b.recordFailure(now)
		count := d.recordFailureAndMaybeDisable(ctx, env.EndpointID)
		next := now.Add(d.cfg.RetryBaseWait * time.Duration(1<<uint(msg.RetryCount)))
		statusErr := fmt.Errorf("webhook: retriable status %d", resp.StatusCode)
		if err := d.endpoints.RecordDeliveryAttempt(ctx, env.DeliveryID, database.WebhookDeliveryStatusFailed, resp.StatusCode, statusErr, &next); err != nil {
			d.logger.Printf("failed to record delivery attempt for %s: %v", env.DeliveryID, err)
		}
		if count >= d.cfg.MaxRetries {
			return fmt.Errorf("%w: endpoint disabled after %d failures", ErrNonRetriable, count)
		}
		return queue.Retryable(statusErr)

	default:
		b.recordFailure(now)
		d.recordFailure(ctx, env.EndpointID, fmt.Sprintf("non-retriable status %d", resp.StatusCode))
		statusErr := fmt.Errorf("%w: status %d", ErrNonRetriable, resp.StatusCode)
		if err := d.endpoints.RecordDeliveryAttempt(ctx, env.DeliveryID, database.WebhookDeliveryStatusFailed, resp.StatusCode, statusErr, nil); err != nil {
			d.logger.Printf("failed to record delivery attempt for %s: %v", env.DeliveryID, err)
		}
		return statusErr
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, endpointID uuid.UUID, reason string) {
	if _, err := d.endpoints.RecordFailure(ctx, endpointID); err != nil {
		d.logger.Printf("failed to record webhook failure for %s (%s): %v", endpointID, reason, err)
	}
}

// recordFailureAndMaybeDisable increments the endpoint's failure streak
// and disables it once it meets the configured max-retries.
func (d *Dispatcher) recordFailureAndMaybeDisable(ctx context.Context, endpointID uuid.UUID) int {
	count, err := d.endpoints.RecordFailure(ctx, endpointID)
	if err != nil {
		d.logger.Printf("failed to record webhook failure for %s: %v", endpointID, err)
		return 0
	}
	if count >= d.cfg.MaxRetries {
		dbtx, err := d.endpoints.BeginTx(ctx)
		if err != nil {
			d.logger.Printf("failed to begin transaction disabling endpoint %s: %v", endpointID, err)
			return count
		}
		defer dbtx.Rollback()
		if err := d.endpoints.DisableEndpointTx(ctx, dbtx, endpointID); err != nil {
			d.logger.Printf("failed to disable endpoint %s: %v", endpointID, err)
			return count
		}
		if err := d.audit.RecordTx(ctx, dbtx, audit.EntityWebhook, endpointID, audit.ActionWebhookFailed, string(database.WebhookEndpointStatusActive), string(database.WebhookEndpointStatusDisabled), map[string]int{"failure_count": count}); err != nil {
			d.logger.Printf("failed to audit endpoint %s disable: %v", endpointID, err)
			return count
		}
		if err := dbtx.Commit(); err != nil {
			d.logger.Printf("failed to commit endpoint %s disable: %v", endpointID, err)
		}
	}
	return count
}
