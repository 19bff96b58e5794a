// Package refund reverses overpaid or post-expiry transfers: it signs an
// outbound transfer from the original payment address back to the
// sender, and tracks that transfer through to its own confirmation.
package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
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

// ProcessQueueName is the refund-initiation queue's broker name.
// Exported so pkg/server can publish a manual
// refund initiation task onto the same queue this engine consumes.
const ProcessQueueName = "refund.process"

const processQueueName = ProcessQueueName

// Task is the refund.process payload pkg/confirmation's Enqueuer
// implementation publishes, and this engine's consumer decodes.
type Task struct {
	TransactionID uuid.UUID             `json:"transaction_id"`
	Reason        database.RefundReason `json:"reason"`
	Amount        string                `json:"amount"`
}

// Notifier delivers refund lifecycle events to subscribers outside this
// package (the webhook dispatcher).
type Notifier interface {
	NotifyRefundInitiated(ctx context.Context, rf *database.Refund, tx *database.Transaction) error
	NotifyRefundCompleted(ctx context.Context, rf *database.Refund, tx *database.Transaction) error
	NotifyRefundFailed(ctx context.Context, rf *database.Refund, tx *database.Transaction) error
}

// KeyDecrypter opens a payment address's sealed private key, ready to
// sign the outbound refund. pkg/address.Service is the production
// implementation.
type KeyDecrypter interface {
	DecryptKeyHex(pa *database.PaymentAddress) (string, error)
}

// Config controls the completion-poll cadence and gas policy.
type Config struct {
	PollInterval       time.Duration
	GasPriceMultiplier float64
	ChainID            *big.Int
	Logger             *log.Logger
}

// DefaultConfig mirrors pkg/confirmation's own poll cadence, since both
// engines are waiting on the same kind of event (a broadcast transaction
// reaching a mined receipt).
func DefaultConfig() Config {
	return Config{
		PollInterval:       30 * time.Second,
		GasPriceMultiplier: 1.0,
		ChainID:            big.NewInt(56),
		Logger:             log.New(log.Writer(), "[refund] ", log.LstdFlags),
	}
}

// Engine processes refund.process tasks and polls submitted refunds
// through to completion, on the same Start/Stop ticker-loop shape as
// pkg/confirmation.Engine and pkg/settlement.Engine.
type Engine struct {
	repos    *database.Repositories
	chain    *chain.Client
	keys     KeyDecrypter
	audit    *audit.Logger
	notifier Notifier
	cfg      Config

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine constructs a refund Engine.
func NewEngine(repos *database.Repositories, chainClient *chain.Client, keys KeyDecrypter, auditLogger *audit.Logger, notifier Notifier, cfg *Config) (*Engine, error) {
	if repos == nil {
		return nil, fmt.Errorf("refund: repositories cannot be nil")
	}
	if chainClient == nil {
		return nil, fmt.Errorf("refund: chain client cannot be nil")
	}
	if keys == nil {
		return nil, fmt.Errorf("refund: key decrypter cannot be nil")
	}
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[refund] ", log.LstdFlags)
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(56)
	}

	return &Engine{
		repos:    repos,
		chain:    chainClient,
		keys:     keys,
		audit:    auditLogger,
		notifier: notifier,
		cfg:      *cfg,
	}, nil
}

// RegisterConsumer wires the refund-initiation handler into the queue
// service's refund.process consumer. Call once per process.
func (e *Engine) RegisterConsumer(ctx context.Context, queueSvc *queue.Service) {
	queueSvc.Consume(ctx, processQueueName, e.processTask)
}

// Start begins the periodic completion-poll loop.
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
	e.cfg.Logger.Printf("started (polling every %s)", e.cfg.PollInterval)
	return nil
}

// Stop halts the completion-poll loop and waits for it to exit.
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

	e.checkSubmitted(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkSubmitted(ctx)
		}
	}
}

// processTask handles one refund-initiation task: open
// (or idempotently reuse) a refund record, sign an outbound transfer from
// the address that received the original payment back to its sender, and
// record the broadcast hash.
func (e *Engine) processTask(ctx context.Context, msg queue.Message) error {
	var task Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("refund: decode task: %w", err)
	}

	if existing, err := e.repos.Refunds.GetByTransactionAndReason(ctx, task.TransactionID, task.Reason); err == nil {
		if existing.Status != database.RefundStatusFailed {
			return nil
		}
	} else if err != database.ErrRefundNotFound {
		return fmt.Errorf("refund: check existing refund: %w", err)
	}

	tx, err := e.repos.Transactions.GetTransaction(ctx, task.TransactionID)
	if err != nil {
		return fmt.Errorf("refund: load transaction %s: %w", task.TransactionID, err)
	}

	addr, err := e.repos.PaymentAddresses.GetPaymentAddress(ctx, tx.PaymentAddressID)
	if err != nil {
		return fmt.Errorf("refund: load payment address for %s: %w", task.TransactionID, err)
	}

	destination := common.HexToAddress(tx.FromAddress)
	if destination == (common.Address{}) {
		// A balance-delta-only observation has no recoverable sender;
		// there is nowhere to send the refund.
		return fmt.Errorf("refund: transaction %s has no known sender address", task.TransactionID)
	}

	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return queue.Retryable(fmt.Errorf("refund: begin transaction: %w", err))
	}
	rf, err := e.repos.Refunds.CreateRefundTx(ctx, dbtx, task.TransactionID, task.Reason, task.Amount, tx.FromAddress, "system")
	if err != nil {
		dbtx.Rollback()
		return fmt.Errorf("refund: create refund record: %w", err)
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityRefund, rf.ID, audit.ActionRefundInitiated, "", string(rf.Status), map[string]string{
		"transaction_id": task.TransactionID.String(),
		"reason":         string(task.Reason),
		"amount":         task.Amount,
	}); err != nil {
		dbtx.Rollback()
		return queue.Retryable(fmt.Errorf("refund: audit refund %s: %w", rf.ID, err))
	}
	if err := dbtx.Commit(); err != nil {
		return queue.Retryable(fmt.Errorf("refund: commit refund record %s: %w", rf.ID, err))
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyRefundInitiated(ctx, rf, tx); err != nil {
			e.cfg.Logger.Printf("refund-initiated notification failed for %s: %v", rf.ID, err)
		}
	}

	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		e.markFailed(ctx, rf, tx, fmt.Errorf("read token decimals: %w", err))
		return queue.Retryable(err)
	}

	rawAmount := toRawAmount(task.Amount, decimals)
	if rawAmount == nil || rawAmount.Sign() <= 0 {
		e.markFailed(ctx, rf, tx, fmt.Errorf("invalid refund amount %q", task.Amount))
		return fmt.Errorf("refund: invalid amount %q", task.Amount)
	}

	privateKeyHex, err := e.keys.DecryptKeyHex(addr)
	if err != nil {
		e.markFailed(ctx, rf, tx, fmt.Errorf("decrypt key: %w", err))
		return fmt.Errorf("refund: decrypt key for %s: %w", addr.Address, err)
	}

	txHash, err := e.chain.TransferTokenWithGasMultiplier(ctx, privateKeyHex, destination, rawAmount, e.cfg.ChainID, e.cfg.GasPriceMultiplier)
	if err != nil {
		e.markFailed(ctx, rf, tx, fmt.Errorf("broadcast: %w", err))
		return queue.Retryable(fmt.Errorf("refund: broadcast failed: %w", err))
	}

	if err := e.markSubmitted(ctx, rf, txHash.Hex()); err != nil {
		e.cfg.Logger.Printf("failed to mark refund %s submitted: %v", rf.ID, err)
	}

	return nil
}

// markSubmitted records the broadcast hash and its audit entry in one
// database transaction.
func (e *Engine) markSubmitted(ctx context.Context, rf *database.Refund, txHash string) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.Refunds.MarkSubmittedTx(ctx, dbtx, rf.ID, txHash); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityRefund, rf.ID, audit.ActionRefundSubmitted, string(database.RefundStatusPending), string(database.RefundStatusSubmitted), map[string]string{"refund_tx_hash": txHash}); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (e *Engine) markFailed(ctx context.Context, rf *database.Refund, tx *database.Transaction, cause error) {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to begin transaction failing refund %s: %v", rf.ID, err)
		return
	}
	defer dbtx.Rollback()

	if err := e.repos.Refunds.MarkFailedTx(ctx, dbtx, rf.ID); err != nil {
		e.cfg.Logger.Printf("failed to mark refund %s failed: %v", rf.ID, err)
		return
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityRefund, rf.ID, audit.ActionRefundFailed, string(rf.Status), string(database.RefundStatusFailed), map[string]string{"error": cause.Error()}); err != nil {
		e.cfg.Logger.Printf("failed to audit refund %s failure: %v", rf.ID, err)
		return
	}
	if err := dbtx.Commit(); err != nil {
		e.cfg.Logger.Printf("failed to commit refund %s failure: %v", rf.ID, err)
		return
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyRefundFailed(ctx, rf, tx); err != nil {
			e.cfg.Logger.Printf("refund-failed notification failed for %s: %v", rf.ID, err)
		}
	}
}

// checkSubmitted polls every broadcast-but-unconfirmed refund's own
// receipt directly, rather than riding the shared confirmation
// machinery's Transaction table, since a refund's completion state lives
// entirely in the refunds table (RefundTxHash/status).
func (e *Engine) checkSubmitted(ctx context.Context) {
	refunds, err := e.repos.Refunds.ListSubmitted(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to list submitted refunds: %v", err)
		return
	}

	for _, rf := range refunds {
		if !rf.RefundTxHash.Valid || rf.RefundTxHash.String == "" {
			continue
		}

		receipt, err := e.chain.Receipt(ctx, common.HexToHash(rf.RefundTxHash.String))
		if err != nil {
			continue // not yet mined
		}

		tx, txErr := e.repos.Transactions.GetTransaction(ctx, rf.TransactionID)
		if txErr != nil {
			e.cfg.Logger.Printf("failed to load transaction %s for refund %s: %v", rf.TransactionID, rf.ID, txErr)
			continue
		}

		if receipt.Status == 0 {
			e.markFailed(ctx, rf, tx, fmt.Errorf("reverted on-chain"))
			continue
		}

		if err := e.markCompleted(ctx, rf); err != nil {
			e.cfg.Logger.Printf("failed to mark refund %s completed: %v", rf.ID, err)
			continue
		}
		if e.notifier != nil {
			if err := e.notifier.NotifyRefundCompleted(ctx, rf, tx); err != nil {
				e.cfg.Logger.Printf("refund-completed notification failed for %s: %v", rf.ID, err)
			}
		}
	}
}

// markCompleted finalizes a refund and appends its audit entry in one
// database transaction.
func (e *Engine) markCompleted(ctx context.Context, rf *database.Refund) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.Refunds.MarkCompletedTx(ctx, dbtx, rf.ID); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityRefund, rf.ID, audit.ActionRefundCompleted, string(database.RefundStatusSubmitted), string(database.RefundStatusCompleted), nil); err != nil {
		return err
	}
	return dbtx.Commit()
}

// toRawAmount scales a decimal token-amount string up to the token's raw
// integer representation, returning nil if amount is malformed.
func toRawAmount(amount string, decimals uint8) *big.Int {
	f, ok := new(big.Float).SetString(amount)
	if !ok {
		return nil
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(f, scale)
	out, _ := scaled.Int(nil)
	return out
}
