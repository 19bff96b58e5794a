package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// paymentReceivedPayload, and the sibling payload types below, are the
// JSON bodies merchants receive, one per webhook event type.
type paymentReceivedPayload struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	PaymentAddress  string    `json:"payment_address"`
	Amount          string    `json:"amount"`
	TxHash          string    `json:"tx_hash"`
	DetectedAt      time.Time `json:"detected_at"`
}

type paymentConfirmedPayload struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	PaymentAddress string    `json:"payment_address"`
	Amount         string    `json:"amount"`
	Confirmations  int       `json:"confirmations"`
	ConfirmedAt    time.Time `json:"confirmed_at,omitempty"`
}

type paymentUnderpaidPayload struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	PaymentAddress string    `json:"payment_address"`
	Amount         string    `json:"amount"`
}

type paymentSettledPayload struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	PaymentAddress  string    `json:"payment_address"`
	Amount          string    `json:"amount"`
	SettlementTxHash string   `json:"settlement_tx_hash"`
}

type addressLifecyclePayload struct {
	PaymentAddressID uuid.UUID `json:"payment_address_id"`
	Address          string    `json:"address"`
	ExpectedAmount   string    `json:"expected_amount,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type refundPayload struct {
	RefundID      uuid.UUID `json:"refund_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
	Amount        string    `json:"amount"`
	Destination   string    `json:"destination"`
	RefundTxHash  string    `json:"refund_tx_hash,omitempty"`
}

type settlementCompletedPayload struct {
	SettlementTxHash string    `json:"settlement_tx_hash"`
	PaymentAddress   string    `json:"payment_address"`
	Amount           string    `json:"amount"`
	SettledAt        time.Time `json:"settled_at"`
}

// Notifications adapts Dispatcher.Notify to the narrow Notifier
// interfaces pkg/confirmation, pkg/settlement, and pkg/refund each
// declare, resolving the merchant a Transaction's webhook events belong
// to from its owning PaymentAddress. Kept as a thin package-boundary
// shim rather than folding this logic into Dispatcher itself, so
// Dispatcher stays ignorant of the gateway's specific event payload
// shapes and only the transport/retry/breaker concerns live there.
type Notifications struct {
	dispatcher *Dispatcher
	addresses  *database.PaymentAddressRepository
}

// NewNotifications builds a Notifications adapter.
func NewNotifications(dispatcher *Dispatcher, addresses *database.PaymentAddressRepository) *Notifications {
	return &Notifications{dispatcher: dispatcher, addresses: addresses}
}

func (n *Notifications) merchantFor(ctx context.Context, tx *database.Transaction) (uuid.UUID, error) {
	addr, err := n.addresses.GetPaymentAddress(ctx, tx.PaymentAddressID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("webhook: resolve payment address for %s: %w", tx.ID, err)
	}
	if !addr.MerchantID.Valid {
		return uuid.UUID{}, fmt.Errorf("webhook: payment address %s has no merchant (hot wallet or internal transfer)", addr.ID)
	}
	return addr.MerchantID.UUID, nil
}

func (n *Notifications) addressOf(ctx context.Context, tx *database.Transaction) (*database.PaymentAddress, error) {
	return n.addresses.GetPaymentAddress(ctx, tx.PaymentAddressID)
}

// NotifyPaymentReceived implements confirmation.Notifier.
func (n *Notifications) NotifyPaymentReceived(ctx context.Context, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventPaymentReceived, paymentReceivedPayload{
		TransactionID:  tx.ID,
		PaymentAddress: addr.Address,
		Amount:         tx.Amount,
		TxHash:         tx.TxHash.String,
		DetectedAt:     tx.DetectedAt,
	})
}

// NotifyPaymentConfirmed implements confirmation.Notifier.
func (n *Notifications) NotifyPaymentConfirmed(ctx context.Context, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, tx)
	if err != nil {
		return err
	}
	confirmedAt := time.Time{}
	if tx.ConfirmedAt.Valid {
		confirmedAt = tx.ConfirmedAt.Time
	}
	return n.dispatcher.Notify(ctx, merchantID, EventPaymentConfirmed, paymentConfirmedPayload{
		TransactionID:  tx.ID,
		PaymentAddress: addr.Address,
		Amount:         tx.Amount,
		Confirmations:  tx.Confirmations,
		ConfirmedAt:    confirmedAt,
	})
}

// NotifyPaymentCompleted implements confirmation.Notifier. Completed is
// the terminal merchant-facing outcome of an overpaid-but-accepted
// payment: the payment is credited and the excess rides a refund.
func (n *Notifications) NotifyPaymentCompleted(ctx context.Context, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, tx)
	if err != nil {
		return err
	}
	confirmedAt := time.Time{}
	if tx.ConfirmedAt.Valid {
		confirmedAt = tx.ConfirmedAt.Time
	}
	return n.dispatcher.Notify(ctx, merchantID, EventPaymentCompleted, paymentConfirmedPayload{
		TransactionID:  tx.ID,
		PaymentAddress: addr.Address,
		Amount:         tx.Amount,
		Confirmations:  tx.Confirmations,
		ConfirmedAt:    confirmedAt,
	})
}

// NotifyUnderpayment implements confirmation.Notifier.
func (n *Notifications) NotifyUnderpayment(ctx context.Context, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventPaymentUnderpaid, paymentUnderpaidPayload{
		TransactionID:  tx.ID,
		PaymentAddress: addr.Address,
		Amount:         tx.Amount,
	})
}

// NotifyTransactionSettled implements settlement.Notifier.
func (n *Notifications) NotifyTransactionSettled(ctx context.Context, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventTransactionSettled, paymentSettledPayload{
		TransactionID:    tx.ID,
		PaymentAddress:   addr.Address,
		Amount:           tx.Amount,
		SettlementTxHash: tx.SettledTxHash.String,
	})
}

// NotifyAddressCreated implements address.Notifier.
func (n *Notifications) NotifyAddressCreated(ctx context.Context, pa *database.PaymentAddress) error {
	if !pa.MerchantID.Valid {
		return nil
	}
	return n.dispatcher.Notify(ctx, pa.MerchantID.UUID, EventAddressCreated, addressLifecyclePayload{
		PaymentAddressID: pa.ID,
		Address:          pa.Address,
		ExpectedAmount:   pa.ExpectedAmount.String,
		ExpiresAt:        pa.ExpiresAt,
	})
}

// NotifyAddressExpired implements confirmation.Notifier.
func (n *Notifications) NotifyAddressExpired(ctx context.Context, pa *database.PaymentAddress) error {
	if !pa.MerchantID.Valid {
		return nil
	}
	return n.dispatcher.Notify(ctx, pa.MerchantID.UUID, EventAddressExpired, addressLifecyclePayload{
		PaymentAddressID: pa.ID,
		Address:          pa.Address,
		ExpectedAmount:   pa.ExpectedAmount.String,
		ExpiresAt:        pa.ExpiresAt,
	})
}

// NotifyRefundInitiated implements refund.Notifier.
func (n *Notifications) NotifyRefundInitiated(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventRefundInitiated, refundPayload{
		RefundID:      rf.ID,
		TransactionID: rf.TransactionID,
		Reason:        string(rf.Reason),
		Amount:        rf.Amount,
		Destination:   rf.Destination,
	})
}

// NotifyRefundCompleted implements refund.Notifier.
func (n *Notifications) NotifyRefundCompleted(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventRefundCompleted, refundPayload{
		RefundID:      rf.ID,
		TransactionID: rf.TransactionID,
		Reason:        string(rf.Reason),
		Amount:        rf.Amount,
		Destination:   rf.Destination,
		RefundTxHash:  rf.RefundTxHash.String,
	})
}

// NotifyRefundFailed implements refund.Notifier.
func (n *Notifications) NotifyRefundFailed(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, tx)
	if err != nil {
		return err
	}
	return n.dispatcher.Notify(ctx, merchantID, EventRefundFailed, refundPayload{
		RefundID:      rf.ID,
		TransactionID: rf.TransactionID,
		Reason:        string(rf.Reason),
		Amount:        rf.Amount,
		Destination:   rf.Destination,
		RefundTxHash:  rf.RefundTxHash.String,
	})
}

// NotifySettlementCompleted implements settlement.Notifier, fired once a
// sweep transaction has confirmed and every payment it covered is marked
// settled. sweep is the settlement-transfer transaction itself, so its
// owning payment address resolves to the merchant whose funds moved.
func (n *Notifications) NotifySettlementCompleted(ctx context.Context, sweep *database.Transaction) error {
	merchantID, err := n.merchantFor(ctx, sweep)
	if err != nil {
		return err
	}
	addr, err := n.addressOf(ctx, sweep)
	if err != nil {
		return err
	}
	settledAt := time.Now()
	if sweep.SettledAt.Valid {
		settledAt = sweep.SettledAt.Time
	}
	return n.dispatcher.Notify(ctx, merchantID, EventSettlementCompleted, settlementCompletedPayload{
		SettlementTxHash: sweep.TxHash.String,
		PaymentAddress:   addr.Address,
		Amount:           sweep.Amount,
		SettledAt:        settledAt,
	})
}
