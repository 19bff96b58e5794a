// Package metrics exposes the gateway's Prometheus counters and the
// /metrics HTTP handler that serves them. It also provides Recorder, a
// decorator over webhook.Notifications that increments the relevant
// counter before delegating to the wrapped notifier, so the confirmation,
// settlement, and refund engines stay unaware that metrics exist at all.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/webhook"
)

var (
	PaymentsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payments_received_total",
		Help: "Inbound transfers observed to a monitored payment address.",
	})
	PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payments_confirmed_total",
		Help: "Payments that reached the required confirmation count within tolerance.",
	})
	PaymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payments_completed_total",
		Help: "Overpaid payments accepted in full with the excess routed to a refund.",
	})
	PaymentsUnderpaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_payments_underpaid_total",
		Help: "Payments that confirmed below the underpayment tolerance.",
	})
	SettlementsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlements_completed_total",
		Help: "Payments swept from a merchant-payment address to the hot wallet.",
	})
	RefundsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_refunds_initiated_total",
		Help: "Refunds opened against a transaction, counted before the refund transfer is broadcast.",
	})
	RefundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_refunds_completed_total",
		Help: "Refund transfers mined with a success status; no further confirmations are awaited.",
	})
	RefundsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_refunds_failed_total",
		Help: "Refund transfers that failed to broadcast or confirm.",
	})
	AddressesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_addresses_issued_total",
		Help: "Merchant-payment addresses derived and issued.",
	})
	AddressesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_addresses_expired_total",
		Help: "Merchant-payment addresses that expired with no payment.",
	})
)

// Handler serves the gateway's registered collectors in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder wraps *webhook.Notifications, bumping the counter for each
// lifecycle event it overrides before forwarding to the embedded
// notifier; NotifySettlementCompleted is not overridden and bumps no
// counter. Embedding
// means Recorder satisfies confirmation.Notifier, settlement.Notifier,
// and refund.Notifier without repeating every method signature here.
type Recorder struct {
	*webhook.Notifications
}

// NewRecorder builds a Recorder over an already-constructed notifier.
func NewRecorder(n *webhook.Notifications) *Recorder {
	return &Recorder{Notifications: n}
}

// NotifyPaymentReceived implements confirmation.Notifier.
func (r *Recorder) NotifyPaymentReceived(ctx context.Context, tx *database.Transaction) error {
	PaymentsReceived.Inc()
	return r.Notifications.NotifyPaymentReceived(ctx, tx)
}

// NotifyPaymentConfirmed implements confirmation.Notifier.
func (r *Recorder) NotifyPaymentConfirmed(ctx context.Context, tx *database.Transaction) error {
	PaymentsConfirmed.Inc()
	return r.Notifications.NotifyPaymentConfirmed(ctx, tx)
}

// NotifyPaymentCompleted implements confirmation.Notifier.
func (r *Recorder) NotifyPaymentCompleted(ctx context.Context, tx *database.Transaction) error {
	PaymentsCompleted.Inc()
	return r.Notifications.NotifyPaymentCompleted(ctx, tx)
}

// NotifyUnderpayment implements confirmation.Notifier.
func (r *Recorder) NotifyUnderpayment(ctx context.Context, tx *database.Transaction) error {
	PaymentsUnderpaid.Inc()
	return r.Notifications.NotifyUnderpayment(ctx, tx)
}

// NotifyTransactionSettled implements settlement.Notifier.
func (r *Recorder) NotifyTransactionSettled(ctx context.Context, tx *database.Transaction) error {
	SettlementsCompleted.Inc()
	return r.Notifications.NotifyTransactionSettled(ctx, tx)
}

// NotifyRefundInitiated implements refund.Notifier.
func (r *Recorder) NotifyRefundInitiated(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	RefundsInitiated.Inc()
	return r.Notifications.NotifyRefundInitiated(ctx, rf, tx)
}

// NotifyRefundCompleted implements refund.Notifier.
func (r *Recorder) NotifyRefundCompleted(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	RefundsCompleted.Inc()
	return r.Notifications.NotifyRefundCompleted(ctx, rf, tx)
}

// NotifyRefundFailed implements refund.Notifier.
func (r *Recorder) NotifyRefundFailed(ctx context.Context, rf *database.Refund, tx *database.Transaction) error {
	RefundsFailed.Inc()
	return r.Notifications.NotifyRefundFailed(ctx, rf, tx)
}

// NotifyAddressCreated implements address.Notifier.
func (r *Recorder) NotifyAddressCreated(ctx context.Context, pa *database.PaymentAddress) error {
	AddressesIssued.Inc()
	return r.Notifications.NotifyAddressCreated(ctx, pa)
}

// NotifyAddressExpired implements confirmation.Notifier.
func (r *Recorder) NotifyAddressExpired(ctx context.Context, pa *database.PaymentAddress) error {
	AddressesExpired.Inc()
	return r.Notifications.NotifyAddressExpired(ctx, pa)
}
