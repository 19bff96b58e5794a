// Package confirmation advances observed transfers through the payment
// state machine: confirming, confirmed, underpaid, and settled, reacting
// to new blocks and, rarely, chain re-organizations.
package confirmation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/chain"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
)

// Notifier delivers lifecycle events to subscribers outside this package
// (the webhook dispatcher). Kept as a narrow interface so pkg/confirmation
// does not need to import pkg/webhook directly.
type Notifier interface {
	NotifyPaymentReceived(ctx context.Context, tx *database.Transaction) error
	NotifyPaymentConfirmed(ctx context.Context, tx *database.Transaction) error
	NotifyPaymentCompleted(ctx context.Context, tx *database.Transaction) error
	NotifyUnderpayment(ctx context.Context, tx *database.Transaction) error
	NotifyAddressExpired(ctx context.Context, pa *database.PaymentAddress) error
}

// Enqueuer schedules a follow-up confirmation check. The work queue
// (pkg/queue) is the production implementation; tests can supply a stub.
type Enqueuer interface {
	EnqueueConfirmationCheck(ctx context.Context, transactionID uuid.UUID, at time.Time) error
	EnqueueRefund(ctx context.Context, transactionID uuid.UUID, reason database.RefundReason, amount string) error
}

// EngineConfig controls confirmation thresholds, tolerances, and cadence.
type EngineConfig struct {
	PollInterval             time.Duration
	RequiredConfirmations    int
	UnderpaymentTolerancePct float64
	OverpaymentTolerancePct  float64
	Logger                   *log.Logger
}

// DefaultEngineConfig carries the gateway's defaults: a 6-confirmation
// BEP20-style threshold, a 1% underpayment tolerance, and a 0.5%
// overpayment tolerance.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PollInterval:             30 * time.Second,
		RequiredConfirmations:    6,
		UnderpaymentTolerancePct: 0.01,
		OverpaymentTolerancePct:  0.005,
		Logger:                   log.New(log.Writer(), "[confirmation] ", log.LstdFlags),
	}
}

// Engine drives the confirmation state machine for every in-flight
// transaction: a ticker-driven full rescan plus queue-scheduled
// per-transaction rechecks.
type Engine struct {
	repos    *database.Repositories
	chain    *chain.Client
	audit    *audit.Logger
	notifier Notifier
	enqueue  Enqueuer

	cfg EngineConfig

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine constructs a confirmation Engine.
func NewEngine(repos *database.Repositories, chainClient *chain.Client, auditLogger *audit.Logger, notifier Notifier, enqueue Enqueuer, cfg *EngineConfig) (*Engine, error) {
	if repos == nil {
		return nil, fmt.Errorf("confirmation: repositories cannot be nil")
	}
	if chainClient == nil {
		return nil, fmt.Errorf("confirmation: chain client cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[confirmation] ", log.LstdFlags)
	}

	return &Engine{
		repos:    repos,
		chain:    chainClient,
		audit:    auditLogger,
		notifier: notifier,
		enqueue:  enqueue,
		cfg:      *cfg,
	}, nil
}

// Start begins the periodic recheck loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go e.run(ctx)
	e.cfg.Logger.Printf("started (polling every %s, %d confirmations required)", e.cfg.PollInterval, e.cfg.RequiredConfirmations)
	return nil
}

// Stop halts the recheck loop and waits for it to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	close(e.stopCh)
	e.running = false
	e.mu.Unlock()

	<-e.doneCh
	e.cfg.Logger.Println("stopped")
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.checkPendingConfirmations(ctx)
	e.checkExpiredAddresses(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkPendingConfirmations(ctx)
			e.checkExpiredAddresses(ctx)
		}
	}
}

// monitorQueueName is the confirmation-recheck queue's broker name.
const monitorQueueName = "payment.monitor"

// MonitorQueueName exports monitorQueueName so an Enqueuer implementation
// living outside this package (cmd/gateway's queue-backed adapter) can
// publish onto the same queue this engine consumes.
const MonitorQueueName = monitorQueueName

// ConfirmationCheckTask is the payment.monitor payload an Enqueuer
// implementation publishes: a single transaction to recheck once its
// exponential-backoff delay elapses, rather than the ticker's full-table
// rescan.
type ConfirmationCheckTask struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

type confirmationCheckTask = ConfirmationCheckTask

// RegisterConsumer wires the engine as payment.monitor's consumer, so a
// scheduled recheck (pkg/queue's delayed-retry lane, or the in-process
// fallback direct handler) advances one transaction immediately instead
// of waiting for the next tick of the full-table poll in run().
func (e *Engine) RegisterConsumer(ctx context.Context, queueSvc *queue.Service) {
	queueSvc.Consume(ctx, monitorQueueName, func(ctx context.Context, msg queue.Message) error {
		var task confirmationCheckTask
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			return fmt.Errorf("confirmation: decode monitor task: %w", err)
		}
		tx, err := e.repos.Transactions.GetTransaction(ctx, task.TransactionID)
		if err != nil {
			return fmt.Errorf("confirmation: load transaction %s: %w", task.TransactionID, err)
		}
		latest, err := e.chain.LatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("confirmation: get latest block: %w", err)
		}
		e.processTransaction(ctx, tx, latest)
		return nil
	})
}

// checkPendingConfirmations re-reads every unconfirmed transaction and
// advances it.
func (e *Engine) checkPendingConfirmations(ctx context.Context) {
	txs, err := e.repos.Transactions.ListUnconfirmed(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to list unconfirmed transactions: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}

	latest, err := e.chain.LatestBlock(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to get latest block: %v", err)
		return
	}

	for _, tx := range txs {
		e.processTransaction(ctx, tx, latest)
	}
}

func (e *Engine) processTransaction(ctx context.Context, tx *database.Transaction, latestBlock uint64) {
	if !tx.TxHash.Valid {
		return
	}
	txHash := common.HexToHash(tx.TxHash.String)

	receipt, err := e.chain.Receipt(ctx, txHash)
	if err != nil {
		// Not yet mined, or dropped from the mempool; leave it pending.
		return
	}

	if tx.BlockHash.Valid && tx.BlockHash.String != "" && tx.BlockHash.String != receipt.BlockHash.Hex() {
		e.handleReorg(ctx, tx)
		return
	}

	confirmations := 0
	if latestBlock+1 > receipt.BlockNumber.Uint64() {
		confirmations = int(latestBlock + 1 - receipt.BlockNumber.Uint64())
	}

	if err := e.repos.Transactions.UpdateConfirmations(ctx, tx.ID, confirmations, receipt.BlockNumber.Int64(), receipt.BlockHash.Hex()); err != nil {
		e.cfg.Logger.Printf("failed to update confirmations for %s: %v", tx.ID, err)
		return
	}

	if confirmations < e.cfg.RequiredConfirmations {
		e.scheduleNextCheck(ctx, tx.ID, confirmations)
		return
	}

	e.finalize(ctx, tx)
}

// handleReorg reverts a transaction to pending on its first detected
// re-org, or forces it to failed if this is the second occurrence; only
// one retrograde transition is ever allowed per transaction. Either
// status change commits atomically with its audit entry.
func (e *Engine) handleReorg(ctx context.Context, tx *database.Transaction) {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to begin transaction for re-org on %s: %v", tx.ID, err)
		return
	}
	defer dbtx.Rollback()

	if tx.ReorgCount >= 1 {
		if err := e.repos.Transactions.MarkFailedTx(ctx, dbtx, tx.ID, "re-org detected a second time"); err != nil {
			e.cfg.Logger.Printf("failed to mark %s failed after repeat re-org: %v", tx.ID, err)
			return
		}
		if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, audit.ActionTxFailed, string(tx.Status), string(database.TransactionStatusFailed), map[string]string{"reason": "repeat re-org"}); err != nil {
			e.cfg.Logger.Printf("failed to audit repeat re-org for %s: %v", tx.ID, err)
			return
		}
		if err := dbtx.Commit(); err != nil {
			e.cfg.Logger.Printf("failed to commit repeat re-org for %s: %v", tx.ID, err)
		}
		return
	}

	if err := e.repos.Transactions.RevertToPendingTx(ctx, dbtx, tx.ID, tx.Status); err != nil {
		e.cfg.Logger.Printf("failed to revert %s to pending: %v", tx.ID, err)
		return
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, audit.ActionTxReorged, string(tx.Status), string(database.TransactionStatusPending), nil); err != nil {
		e.cfg.Logger.Printf("failed to audit re-org for %s: %v", tx.ID, err)
		return
	}
	if err := dbtx.Commit(); err != nil {
		e.cfg.Logger.Printf("failed to commit re-org revert for %s: %v", tx.ID, err)
	}
}

// finalize applies the amount-tolerance policy once a transaction has
// reached the confirmation threshold. Outbound transfers the gateway
// itself broadcast (settlement, cold sweep, refund) ride this same
// machinery to pick up confirmations, but carry no merchant-facing
// tolerance policy or address-status transition of their own; those are
// driven by the settlement and refund engines once they observe the
// underlying transaction reach confirmed.
func (e *Engine) finalize(ctx context.Context, tx *database.Transaction) {
	if tx.Kind != "" && tx.Kind != database.TransactionKindPayment {
		if err := e.transitionTx(ctx, tx, database.TransactionStatusConfirmed, audit.ActionTxConfirmed, nil); err != nil {
			e.cfg.Logger.Printf("failed to confirm outbound transaction %s: %v", tx.ID, err)
		}
		return
	}

	addr, err := e.repos.PaymentAddresses.GetPaymentAddress(ctx, tx.PaymentAddressID)
	if err != nil {
		e.cfg.Logger.Printf("failed to load payment address for %s: %v", tx.ID, err)
		return
	}

	// A payment that only reached this address after it expired (see
	// ObserveTransfer's observeLatePayment) is confirmed at the chain level
	// but never eligible for settlement: the address itself is left
	// expired, and the whole amount goes back to the sender instead. The
	// settlement engine's confirmed-unsettled query must therefore check
	// the owning address is itself Confirmed, not just the transaction.
	if addr.Status == database.PaymentAddressStatusExpired {
		if err := e.transitionTx(ctx, tx, database.TransactionStatusConfirmed, audit.ActionTxConfirmed, map[string]string{"late_to_expired_address": "true"}); err != nil {
			e.cfg.Logger.Printf("failed to confirm late payment %s: %v", tx.ID, err)
			return
		}
		if e.enqueue != nil {
			if err := e.enqueue.EnqueueRefund(ctx, tx.ID, database.RefundReasonExpired, tx.Amount); err != nil {
				e.cfg.Logger.Printf("failed to enqueue expired-address refund for %s: %v", tx.ID, err)
			}
		}
		return
	}

	outcome := e.classifyAmount(tx.Amount, addr.ExpectedAmount)

	switch outcome {
	case amountUnderpaid:
		if err := e.transitionWithAddress(ctx, tx, addr, database.TransactionStatusUnderpaid, database.PaymentAddressStatusUnderpaid, audit.ActionUnderpaymentFlagged, nil); err != nil {
			e.cfg.Logger.Printf("failed to mark %s underpaid: %v", tx.ID, err)
			return
		}
		if e.notifier != nil {
			if err := e.notifier.NotifyUnderpayment(ctx, tx); err != nil {
				e.cfg.Logger.Printf("underpayment notification failed for %s: %v", tx.ID, err)
			}
		}

	case amountOverpaid:
		excess := e.excessAmount(tx.Amount, addr.ExpectedAmount.String)
		if e.enqueue != nil && excess != "" {
			if err := e.enqueue.EnqueueRefund(ctx, tx.ID, database.RefundReasonOverpayment, excess); err != nil {
				e.cfg.Logger.Printf("failed to enqueue overpayment refund for %s: %v", tx.ID, err)
			}
		}
		if err := e.transitionWithAddress(ctx, tx, addr, database.TransactionStatusConfirmed, database.PaymentAddressStatusConfirmed, audit.ActionTxConfirmed, map[string]string{"overpaid_excess": excess}); err != nil {
			e.cfg.Logger.Printf("failed to confirm %s: %v", tx.ID, err)
			return
		}
		// An accepted overpayment is terminal for the merchant: the
		// payment is credited in full and the excess rides a refund.
		if e.notifier != nil {
			if err := e.notifier.NotifyPaymentCompleted(ctx, tx); err != nil {
				e.cfg.Logger.Printf("completion notification failed for %s: %v", tx.ID, err)
			}
		}

	default: // amountExact
		if err := e.transitionWithAddress(ctx, tx, addr, database.TransactionStatusConfirmed, database.PaymentAddressStatusConfirmed, audit.ActionTxConfirmed, nil); err != nil {
			e.cfg.Logger.Printf("failed to confirm %s: %v", tx.ID, err)
			return
		}
		if e.notifier != nil {
			if err := e.notifier.NotifyPaymentConfirmed(ctx, tx); err != nil {
				e.cfg.Logger.Printf("confirmation notification failed for %s: %v", tx.ID, err)
			}
		}
	}
}

// transitionTx applies a transaction status change and its audit entry in
// one database transaction.
func (e *Engine) transitionTx(ctx context.Context, tx *database.Transaction, to database.TransactionStatus, action audit.Action, detail interface{}) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, tx.ID, tx.Status, to); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, action, string(tx.Status), string(to), detail); err != nil {
		return err
	}
	return dbtx.Commit()
}

// transitionWithAddress is transitionTx plus the owning address's
// companion status change, all committed atomically.
func (e *Engine) transitionWithAddress(ctx context.Context, tx *database.Transaction, addr *database.PaymentAddress, to database.TransactionStatus, addrTo database.PaymentAddressStatus, action audit.Action, detail interface{}) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, tx.ID, tx.Status, to); err != nil {
		return err
	}
	if err := e.repos.PaymentAddresses.UpdateStatusCASTx(ctx, dbtx, addr.ID, addr.Status, addrTo); err != nil {
		// The address may have already advanced (a second payment to the
		// same address); the transaction's own transition still stands.
		if err != database.ErrStatusConflict {
			return err
		}
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, action, string(tx.Status), string(to), detail); err != nil {
		return err
	}
	return dbtx.Commit()
}

type amountOutcome int

const (
	amountExact amountOutcome = iota
	amountUnderpaid
	amountOverpaid
)

// classifyAmount compares a received amount against the address's expected
// amount using the underpayment/overpayment tolerance percentages. An
// address with no expected amount (open-ended invoice) always counts as
// exact, since there is nothing to compare against.
func (e *Engine) classifyAmount(received string, expected sql.NullString) amountOutcome {
	if !expected.Valid || expected.String == "" {
		return amountExact
	}

	r, ok1 := new(big.Float).SetString(received)
	x, ok2 := new(big.Float).SetString(expected.String)
	if !ok1 || !ok2 || x.Sign() == 0 {
		return amountExact
	}

	diff := new(big.Float).Sub(r, x)
	ratio := new(big.Float).Quo(diff, x)
	ratioF, _ := ratio.Float64()

	switch {
	case ratioF < -e.cfg.UnderpaymentTolerancePct:
		return amountUnderpaid
	case ratioF > e.cfg.OverpaymentTolerancePct:
		return amountOverpaid
	default:
		return amountExact
	}
}

// scheduleNextCheck re-enqueues a confirmation check with
// delay = min(60 * 2^(confs/2), 3600) seconds.
func (e *Engine) scheduleNextCheck(ctx context.Context, txID uuid.UUID, confirmations int) {
	if e.enqueue == nil {
		return
	}
	delay := backoffDelay(confirmations)
	if err := e.enqueue.EnqueueConfirmationCheck(ctx, txID, time.Now().Add(delay)); err != nil {
		e.cfg.Logger.Printf("failed to schedule recheck for %s: %v", txID, err)
	}
}

func backoffDelay(confirmations int) time.Duration {
	seconds := 60 * math.Pow(2, math.Floor(float64(confirmations)/2))
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// excessAmount returns the positive difference received-expected as a
// decimal string, or "" if it cannot be computed.
func (e *Engine) excessAmount(received, expected string) string {
	r, ok1 := new(big.Float).SetString(received)
	x, ok2 := new(big.Float).SetString(expected)
	if !ok1 || !ok2 {
		return ""
	}
	diff := new(big.Float).Sub(r, x)
	if diff.Sign() <= 0 {
		return ""
	}
	return diff.Text('f', 18)
}
