// Database types for the payment gateway's relational store.
// These map directly to the schema built by the files in migrations/.

package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MERCHANT TYPES
// ============================================================================

type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "active"
	MerchantStatusSuspended MerchantStatus = "suspended"
)

// Merchant represents a tenant of the gateway.
// Maps to: merchants table
type Merchant struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	Name              string         `db:"name" json:"name"`
	APIKeyHash        string         `db:"api_key_hash" json:"-"`
	WebhookURL        sql.NullString `db:"webhook_url" json:"webhook_url,omitempty"`
	SettlementAddress sql.NullString `db:"settlement_address" json:"settlement_address,omitempty"`
	AutoSweep         bool           `db:"auto_sweep" json:"auto_sweep"`
	Status            MerchantStatus `db:"status" json:"status"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// NewMerchantRecord carries the fields needed to create a Merchant.
type NewMerchantRecord struct {
	Name              string
	APIKeyHash        string
	WebhookURL        string
	SettlementAddress string
	AutoSweep         bool
}

// ============================================================================
// PAYMENT ADDRESS TYPES
// ============================================================================

type PaymentAddressStatus string

const (
	PaymentAddressStatusPending   PaymentAddressStatus = "pending"   // awaiting first sighting
	PaymentAddressStatusConfirming PaymentAddressStatus = "confirming" // funds seen, accruing confirmations
	PaymentAddressStatusConfirmed PaymentAddressStatus = "confirmed" // confirmation threshold met
	PaymentAddressStatusSettled   PaymentAddressStatus = "settled"   // swept to merchant/cold storage
	PaymentAddressStatusExpired   PaymentAddressStatus = "expired"   // lifetime elapsed with no payment
	PaymentAddressStatusUnderpaid PaymentAddressStatus = "underpaid" // received less than tolerance allows
)

// PaymentAddressKind distinguishes a merchant-facing deposit address from
// the gateway's own hot-wallet addresses, which share the same derivation
// tree but are never handed out to a merchant and hold swept funds between
// settlement and the cold-storage sweep.
type PaymentAddressKind string

const (
	PaymentAddressKindMerchantPayment PaymentAddressKind = "merchant-payment"
	PaymentAddressKindHotWallet       PaymentAddressKind = "hot-wallet"
)

// PaymentAddress represents a derived, single-use deposit address.
// Maps to: payment_addresses table
type PaymentAddress struct {
	ID             uuid.UUID            `db:"id" json:"id"`
	MerchantID     uuid.NullUUID        `db:"merchant_id" json:"merchant_id,omitempty"`
	Address        string               `db:"address" json:"address"`
	HDPath         string               `db:"hd_path" json:"-"`
	HDIndex        int64                `db:"hd_index" json:"-"`
	Kind           PaymentAddressKind   `db:"kind" json:"kind"`
	EncryptedKey   sql.NullString       `db:"encrypted_key" json:"-"`
	ExpectedAmount sql.NullString       `db:"expected_amount" json:"expected_amount,omitempty"`
	TokenContract  string               `db:"token_contract" json:"token_contract"`
	Status         PaymentAddressStatus `db:"status" json:"status"`
	ExpiresAt      time.Time            `db:"expires_at" json:"expires_at"`
	Reference      sql.NullString       `db:"reference" json:"reference,omitempty"`
	Metadata       json.RawMessage      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time            `db:"updated_at" json:"updated_at"`
}

// NewPaymentAddressRecord carries the fields needed to issue a PaymentAddress.
// MerchantID is left zero-value (invalid) for hot-wallet addresses, which
// belong to the gateway itself rather than a tenant.
type NewPaymentAddressRecord struct {
	MerchantID     uuid.NullUUID
	Address        string
	HDPath         string
	HDIndex        int64
	Kind           PaymentAddressKind
	EncryptedKey   string
	ExpectedAmount string
	TokenContract  string
	ExpiresAt      time.Time
	Reference      string
	Metadata       json.RawMessage
}

// ============================================================================
// TRANSACTION TYPES
// ============================================================================

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirming TransactionStatus = "confirming"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusUnderpaid TransactionStatus = "underpaid"
	TransactionStatusSettled   TransactionStatus = "settled"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// DetectionMethod records whether a transaction was observed via the push
// subscription or the poll fallback.
type DetectionMethod string

const (
	DetectionMethodPush DetectionMethod = "push"
	DetectionMethodPoll DetectionMethod = "poll"
)

// TransactionKind distinguishes an inbound merchant payment from the
// gateway's own outbound transfers, which ride the same confirmation
// state machine so a single poller drives every in-flight chain
// operation to finality.
type TransactionKind string

const (
	TransactionKindPayment               TransactionKind = "payment"
	TransactionKindSettlementTransfer    TransactionKind = "settlement-transfer"
	TransactionKindColdStorageTransfer   TransactionKind = "cold-storage-transfer"
	TransactionKindRefund                TransactionKind = "refund"
	TransactionKindPayout                TransactionKind = "payout"
)

// Transaction represents an inbound token transfer to a PaymentAddress, or
// an outbound transfer the gateway itself broadcast (settlement, cold
// sweep, refund, payout), tracked by the same row shape.
// Maps to: transactions table
type Transaction struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	PaymentAddressID  uuid.UUID         `db:"payment_address_id" json:"payment_address_id"`
	Kind              TransactionKind   `db:"kind" json:"kind"`
	TxHash            sql.NullString    `db:"tx_hash" json:"tx_hash,omitempty"`
	BlockNumber       sql.NullInt64     `db:"block_number" json:"block_number,omitempty"`
	BlockHash         sql.NullString    `db:"block_hash" json:"block_hash,omitempty"`
	FromAddress       string            `db:"from_address" json:"from_address"`
	Amount            string            `db:"amount" json:"amount"`
	Confirmations     int               `db:"confirmations" json:"confirmations"`
	Status            TransactionStatus `db:"status" json:"status"`
	DetectedVia       DetectionMethod   `db:"detected_via" json:"detected_via"`
	ReorgCount        int               `db:"reorg_count" json:"reorg_count"`
	SettledTxHash     sql.NullString    `db:"settled_tx_hash" json:"settled_tx_hash,omitempty"`
	FailureReason     sql.NullString    `db:"failure_reason" json:"failure_reason,omitempty"`
	DetectedAt        time.Time         `db:"detected_at" json:"detected_at"`
	ConfirmedAt       sql.NullTime      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	SettledAt         sql.NullTime      `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// NewTransactionRecord carries the fields needed to record a sighting.
type NewTransactionRecord struct {
	PaymentAddressID uuid.UUID
	Kind             TransactionKind
	TxHash           string
	BlockNumber      int64
	BlockHash        string
	FromAddress      string
	Amount           string
	DetectedVia      DetectionMethod
}

// ============================================================================
// WEBHOOK TYPES
// ============================================================================

type WebhookEndpointStatus string

const (
	WebhookEndpointStatusActive   WebhookEndpointStatus = "active"
	WebhookEndpointStatusDisabled WebhookEndpointStatus = "disabled" // tripped circuit breaker
)

// WebhookEndpoint represents a merchant-registered delivery target.
// Maps to: webhook_endpoints table
type WebhookEndpoint struct {
	ID            uuid.UUID             `db:"id" json:"id"`
	MerchantID    uuid.UUID             `db:"merchant_id" json:"merchant_id"`
	URL           string                `db:"url" json:"url"`
	Secret        string                `db:"secret" json:"-"`
	Events        []string              `db:"events" json:"events"`
	Status        WebhookEndpointStatus `db:"status" json:"status"`
	FailureCount  int                   `db:"failure_count" json:"failure_count"`
	LastFailureAt sql.NullTime          `db:"last_failure_at" json:"last_failure_at,omitempty"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time             `db:"updated_at" json:"updated_at"`
}

type WebhookDeliveryStatus string

const (
	WebhookDeliveryStatusPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryStatusDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryStatusFailed    WebhookDeliveryStatus = "failed"
)

// WebhookDelivery represents one attempt at delivering an event.
// Maps to: webhook_deliveries table
type WebhookDelivery struct {
	ID              uuid.UUID             `db:"id" json:"id"`
	EndpointID      uuid.UUID             `db:"endpoint_id" json:"endpoint_id"`
	EventType       string                `db:"event_type" json:"event_type"`
	Payload         json.RawMessage       `db:"payload" json:"payload"`
	Status          WebhookDeliveryStatus `db:"status" json:"status"`
	AttemptCount    int                   `db:"attempt_count" json:"attempt_count"`
	LastStatusCode  sql.NullInt64         `db:"last_status_code" json:"last_status_code,omitempty"`
	LastError       sql.NullString        `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt   sql.NullTime          `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time             `db:"updated_at" json:"updated_at"`
}

// ============================================================================
// AUDIT LOG TYPES
// ============================================================================

// AuditAction enumerates the recorded lifecycle transitions. This unifies
// the address-lifecycle and transaction-lifecycle action vocabularies into
// one enum shared by every entity type.
type AuditAction string

const (
	AuditActionAddressIssued     AuditAction = "address_issued"
	AuditActionAddressExpired    AuditAction = "address_expired"
	AuditActionTxDetected        AuditAction = "tx_detected"
	AuditActionTxConfirming      AuditAction = "tx_confirming"
	AuditActionTxConfirmed       AuditAction = "tx_confirmed"
	AuditActionTxReorged         AuditAction = "tx_reorged"
	AuditActionTxSettled         AuditAction = "tx_settled"
	AuditActionTxFailed          AuditAction = "tx_failed"
	AuditActionUnderpaymentFlagged AuditAction = "underpayment_flagged"
	AuditActionRefundInitiated   AuditAction = "refund_initiated"
	AuditActionRefundSubmitted   AuditAction = "refund_submitted"
	AuditActionRefundCompleted   AuditAction = "refund_completed"
	AuditActionRefundFailed      AuditAction = "refund_failed"
	AuditActionWebhookDelivered  AuditAction = "webhook_delivered"
	AuditActionWebhookFailed     AuditAction = "webhook_failed"
)

// AuditLogEntry represents one immutable record of a state transition.
// Maps to: audit_log table
type AuditLogEntry struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID       `db:"entity_id" json:"entity_id"`
	Action     AuditAction     `db:"action" json:"action"`
	FromStatus sql.NullString  `db:"from_status" json:"from_status,omitempty"`
	ToStatus   sql.NullString  `db:"to_status" json:"to_status,omitempty"`
	Detail     json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ============================================================================
// IDEMPOTENCY TYPES
// ============================================================================

// IdempotencyRecord caches the response to a previously-seen Idempotency-Key.
// Maps to: idempotency_keys table
type IdempotencyRecord struct {
	Key          string          `db:"key" json:"key"`
	MerchantID   uuid.UUID       `db:"merchant_id" json:"merchant_id"`
	ResponseBody json.RawMessage `db:"response_body" json:"response_body"`
	ResponseCode int             `db:"response_code" json:"response_code"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time       `db:"expires_at" json:"expires_at"`
}

// ============================================================================
// REFUND TYPES
// ============================================================================

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSubmitted RefundStatus = "submitted"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

type RefundReason string

const (
	RefundReasonOverpayment RefundReason = "overpayment"
	RefundReasonExpired     RefundReason = "expired_after_payment"
	RefundReasonManual      RefundReason = "manual"
)

// Refund represents an outbound reversal of a previously detected payment.
// Maps to: refunds table
type Refund struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	TransactionID uuid.UUID      `db:"transaction_id" json:"transaction_id"`
	Reason        RefundReason   `db:"reason" json:"reason"`
	Amount        string         `db:"amount" json:"amount"`
	Destination   string         `db:"destination" json:"destination"`
	Status        RefundStatus   `db:"status" json:"status"`
	RefundTxHash  sql.NullString `db:"refund_tx_hash" json:"refund_tx_hash,omitempty"`
	InitiatedBy   string         `db:"initiated_by" json:"initiated_by"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	CompletedAt   sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}
