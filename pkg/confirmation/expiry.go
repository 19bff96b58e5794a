package confirmation

import (
	"context"
	"time"

	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// checkExpiredAddresses closes out the address lifecycle: a
// merchant-payment address still `pending` (no
// transfer ever observed) past its expires-at moves to `expired` and
// never resurrects. A payment that arrives afterward is handled
// separately by ObserveTransfer's observeLatePayment path, which finds
// the address already in this terminal state and queues a full refund
// instead of crediting the merchant.
func (e *Engine) checkExpiredAddresses(ctx context.Context) {
	expired, err := e.repos.PaymentAddresses.ListExpired(ctx, time.Now())
	if err != nil {
		e.cfg.Logger.Printf("failed to list expired addresses: %v", err)
		return
	}

	for _, pa := range expired {
		dbtx, err := e.repos.BeginTx(ctx)
		if err != nil {
			e.cfg.Logger.Printf("failed to begin transaction expiring %s: %v", pa.ID, err)
			return
		}

		if err := e.repos.PaymentAddresses.UpdateStatusCASTx(ctx, dbtx, pa.ID, database.PaymentAddressStatusPending, database.PaymentAddressStatusExpired); err != nil {
			dbtx.Rollback()
			if err != database.ErrStatusConflict {
				e.cfg.Logger.Printf("failed to expire address %s: %v", pa.ID, err)
			}
			continue
		}
		if err := e.audit.RecordTx(ctx, dbtx, audit.EntityPaymentAddress, pa.ID, audit.ActionAddressExpired,
			string(database.PaymentAddressStatusPending), string(database.PaymentAddressStatusExpired), nil); err != nil {
			dbtx.Rollback()
			e.cfg.Logger.Printf("failed to audit expiry of %s: %v", pa.ID, err)
			continue
		}
		if err := dbtx.Commit(); err != nil {
			e.cfg.Logger.Printf("failed to commit expiry of %s: %v", pa.ID, err)
			continue
		}

		pa.Status = database.PaymentAddressStatusExpired
		if e.notifier != nil {
			if err := e.notifier.NotifyAddressExpired(ctx, pa); err != nil {
				e.cfg.Logger.Printf("failed to notify address-expired for %s: %v", pa.ID, err)
			}
		}
	}
}
