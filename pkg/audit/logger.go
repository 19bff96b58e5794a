// Package audit appends one immutable record per lifecycle transition,
// in the same database transaction as the state change it documents.
package audit

import (
	"context"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/google/uuid"
)

// Action re-exports database.AuditAction so callers outside pkg/database
// don't need to import it directly for logging calls.
type Action = database.AuditAction

const (
	ActionAddressIssued        = database.AuditActionAddressIssued
	ActionAddressExpired       = database.AuditActionAddressExpired
	ActionTxDetected           = database.AuditActionTxDetected
	ActionTxConfirming         = database.AuditActionTxConfirming
	ActionTxConfirmed          = database.AuditActionTxConfirmed
	ActionTxReorged            = database.AuditActionTxReorged
	ActionTxSettled            = database.AuditActionTxSettled
	ActionTxFailed             = database.AuditActionTxFailed
	ActionUnderpaymentFlagged  = database.AuditActionUnderpaymentFlagged
	ActionRefundInitiated      = database.AuditActionRefundInitiated
	ActionRefundSubmitted      = database.AuditActionRefundSubmitted
	ActionRefundCompleted      = database.AuditActionRefundCompleted
	ActionRefundFailed         = database.AuditActionRefundFailed
	ActionWebhookDelivered     = database.AuditActionWebhookDelivered
	ActionWebhookFailed        = database.AuditActionWebhookFailed
)

// EntityType names the tables an audit entry can reference.
const (
	EntityPaymentAddress = "payment_address"
	EntityTransaction    = "transaction"
	EntityRefund         = "refund"
	EntityWebhook        = "webhook_endpoint"
)

// Logger appends audit entries via an injected repository.
type Logger struct {
	repo *database.AuditRepository
}

func NewLogger(repo *database.AuditRepository) *Logger {
	return &Logger{repo: repo}
}

// RecordTx appends an entry within tx, so it commits atomically with the
// status change it documents. Every status-changing handler writes its
// audit entry through here, inside the same transaction as the change.
func (l *Logger) RecordTx(ctx context.Context, tx *database.Tx, entityType string, entityID uuid.UUID, action Action, fromStatus, toStatus string, detail interface{}) error {
	entry := l.buildEntry(entityType, entityID, action, fromStatus, toStatus, detail)
	return l.repo.RecordTx(ctx, tx, entry)
}

func (l *Logger) buildEntry(entityType string, entityID uuid.UUID, action Action, fromStatus, toStatus string, detail interface{}) *database.AuditLogEntry {
	entry := &database.AuditLogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
	}
	if fromStatus != "" {
		entry.FromStatus.String, entry.FromStatus.Valid = fromStatus, true
	}
	if toStatus != "" {
		entry.ToStatus.String, entry.ToStatus.Valid = toStatus, true
	}
	if detail != nil {
		entry.Detail = database.ToDetail(detail)
	}
	return entry
}
