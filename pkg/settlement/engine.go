// Package settlement sweeps confirmed merchant payments into the
// gateway's hot wallet and, once the hot wallet crosses a configured
// threshold, moves its balance on to cold storage.
package settlement

import (
	"context"
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

// processQueueName is the on-demand sweep trigger queue's broker name.
const processQueueName = "settlement.process"

// Notifier delivers settlement lifecycle events once a swept payment's
// settlement transfer itself confirms. Kept narrow so this package does
// not need to import pkg/webhook directly.
type Notifier interface {
	NotifyTransactionSettled(ctx context.Context, tx *database.Transaction) error
	NotifySettlementCompleted(ctx context.Context, sweep *database.Transaction) error
}

// KeyDecrypter opens a payment address's sealed private key, ready to sign
// an outbound sweep, and resolves the gateway's single hot wallet.
// pkg/address.Service is the production implementation.
type KeyDecrypter interface {
	DecryptKeyHex(pa *database.PaymentAddress) (string, error)
	GetOrCreateHotWallet(ctx context.Context) (*database.PaymentAddress, error)
}

// Config controls sweep cadence, thresholds, and gas policy.
type Config struct {
	SweepInterval      time.Duration
	ColdSweepInterval  time.Duration
	HotThreshold       string   // decimal token amount; hot balances above this move to cold storage
	ColdAddress        string
	GasReserveWei      *big.Int // native-coin balance the hot wallet must retain to keep sweeping
	GasPriceMultiplier float64
	ChainID            *big.Int
	Logger             *log.Logger
}

// DefaultConfig carries the sweep defaults: a 5 minute settlement
// cadence and a 15 minute cold-sweep check.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      5 * time.Minute,
		ColdSweepInterval:  15 * time.Minute,
		HotThreshold:       "1000",
		GasPriceMultiplier: 1.2,
		GasReserveWei:      big.NewInt(0),
		ChainID:            big.NewInt(56),
		Logger:             log.New(log.Writer(), "[settlement] ", log.LstdFlags),
	}
}

// Engine drives both settlement sweeps (merchant-payment -> hot wallet)
// and cold sweeps (hot wallet -> cold storage). Same ticker-loop shape as
// pkg/confirmation.Engine (Start/Stop over a stop channel, a synchronous
// pass before the first tick), split into two independently-scheduled
// loops since the two sweeps run on different cadences.
type Engine struct {
	repos    *database.Repositories
	chain    *chain.Client
	keys     KeyDecrypter
	audit    *audit.Logger
	notifier Notifier
	cfg      Config

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	sweepDone chan struct{}
	coldDone  chan struct{}
}

// NewEngine constructs a settlement Engine.
func NewEngine(repos *database.Repositories, chainClient *chain.Client, keys KeyDecrypter, auditLogger *audit.Logger, notifier Notifier, cfg *Config) (*Engine, error) {
	if repos == nil {
		return nil, fmt.Errorf("settlement: repositories cannot be nil")
	}
	if chainClient == nil {
		return nil, fmt.Errorf("settlement: chain client cannot be nil")
	}
	if keys == nil {
		return nil, fmt.Errorf("settlement: key decrypter cannot be nil")
	}
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[settlement] ", log.LstdFlags)
	}
	if cfg.GasReserveWei == nil {
		cfg.GasReserveWei = big.NewInt(0)
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

// Start begins the periodic sweep and cold-sweep loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopCh = make(chan struct{})
	e.sweepDone = make(chan struct{})
	e.coldDone = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go e.sweepLoop(ctx)
	go e.coldSweepLoop(ctx)
	e.cfg.Logger.Printf("started (sweep every %s, cold sweep every %s)", e.cfg.SweepInterval, e.cfg.ColdSweepInterval)
	return nil
}

// Stop halts both loops and waits for them to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	close(e.stopCh)
	e.running = false
	e.mu.Unlock()

	<-e.sweepDone
	<-e.coldDone
	e.cfg.Logger.Println("stopped")
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.sweepDone)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.RunSweep(ctx)
	e.checkSettlementCompletions(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunSweep(ctx)
			e.checkSettlementCompletions(ctx)
		}
	}
}

func (e *Engine) coldSweepLoop(ctx context.Context) {
	defer close(e.coldDone)

	ticker := time.NewTicker(e.cfg.ColdSweepInterval)
	defer ticker.Stop()

	e.RunColdSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunColdSweep(ctx)
		}
	}
}

// RegisterConsumer wires an on-demand sweep trigger into the queue
// service's settlement.process consumer, mirroring
// webhook.Dispatcher.RegisterConsumer. Call once per process.
func (e *Engine) RegisterConsumer(ctx context.Context, queueSvc *queue.Service) {
	queueSvc.Consume(ctx, processQueueName, func(ctx context.Context, msg queue.Message) error {
		e.RunSweep(ctx)
		return nil
	})
}

// RunSweep runs one settlement pass: select confirmed, unswept
// merchant payments, group by the payment address that
// received them (a merchant-payment address is single-use, so one address
// never mixes funds across merchants), and for each, sweep its full live
// token balance to the hot wallet. Exported so the settlement.process
// queue consumer, and tests, can trigger an on-demand pass.
func (e *Engine) RunSweep(ctx context.Context) {
	txs, err := e.repos.Transactions.ListConfirmedUnsettled(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to list confirmed unsettled payments: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}

	swept := make(map[uuid.UUID]bool, len(txs))
	for _, tx := range txs {
		if swept[tx.PaymentAddressID] {
			continue
		}
		swept[tx.PaymentAddressID] = true
		e.sweepAddress(ctx, tx.PaymentAddressID)
	}
}

// sweepAddress reads addr's live token balance and, if positive, broadcasts
// a transfer of the full balance to the hot wallet, recording a
// settlement-transfer Transaction that rides the shared confirmation
// machinery to finality.
func (e *Engine) sweepAddress(ctx context.Context, addressID uuid.UUID) {
	addr, err := e.repos.PaymentAddresses.GetPaymentAddress(ctx, addressID)
	if err != nil {
		e.cfg.Logger.Printf("failed to load payment address %s: %v", addressID, err)
		return
	}
	if addr.Status != database.PaymentAddressStatusConfirmed {
		return
	}

	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to read token decimals: %v", err)
		return
	}

	balance, err := e.chain.TokenBalanceOf(ctx, common.HexToAddress(addr.Address))
	if err != nil {
		e.cfg.Logger.Printf("failed to read balance of %s: %v", addr.Address, err)
		return
	}
	if balance.Sign() <= 0 {
		return
	}

	hotWallet, err := e.keys.GetOrCreateHotWallet(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to find or provision hot wallet: %v", err)
		return
	}

	privateKeyHex, err := e.keys.DecryptKeyHex(addr)
	if err != nil {
		e.cfg.Logger.Printf("failed to decrypt key for %s: %v", addr.Address, err)
		return
	}

	txHash, err := e.chain.TransferTokenWithGasMultiplier(ctx, privateKeyHex, common.HexToAddress(hotWallet.Address), balance, e.cfg.ChainID, e.cfg.GasPriceMultiplier)
	if err != nil {
		e.cfg.Logger.Printf("failed to broadcast sweep from %s: %v", addr.Address, err)
		return
	}

	amount := toDecimalString(balance, decimals)
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to begin transaction recording sweep from %s: %v", addr.Address, err)
		return
	}
	defer dbtx.Rollback()

	sweep, err := e.repos.Transactions.CreateTransactionTx(ctx, dbtx, &database.NewTransactionRecord{
		PaymentAddressID: addr.ID,
		Kind:             database.TransactionKindSettlementTransfer,
		TxHash:           txHash.Hex(),
		FromAddress:      addr.Address,
		Amount:           amount,
		DetectedVia:      database.DetectionMethodPoll,
	})
	if err != nil {
		e.cfg.Logger.Printf("failed to record settlement transfer for %s: %v", addr.Address, err)
		return
	}

	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityPaymentAddress, addr.ID, audit.ActionTxDetected, string(addr.Status), string(addr.Status), map[string]string{
		"settlement_transfer_id": sweep.ID.String(),
		"tx_hash":                txHash.Hex(),
		"amount":                 amount,
	}); err != nil {
		e.cfg.Logger.Printf("failed to audit settlement transfer for %s: %v", addr.Address, err)
		return
	}
	if err := dbtx.Commit(); err != nil {
		e.cfg.Logger.Printf("failed to commit settlement transfer for %s: %v", addr.Address, err)
	}
}

// checkSettlementCompletions finds settlement-transfer transactions that
// have themselves reached confirmed, applies their effect to every
// confirmed-unsettled payment at the same address, and advances the
// settlement-transfer row past confirmed so it is never reprocessed.
func (e *Engine) checkSettlementCompletions(ctx context.Context) {
	sweeps, err := e.repos.Transactions.ListConfirmedByKind(ctx, database.TransactionKindSettlementTransfer)
	if err != nil {
		e.cfg.Logger.Printf("failed to list confirmed settlement transfers: %v", err)
		return
	}

	for _, sweep := range sweeps {
		e.applySettlement(ctx, sweep)
	}
}

func (e *Engine) applySettlement(ctx context.Context, sweep *database.Transaction) {
	payments, err := e.repos.Transactions.ListConfirmedUnsettled(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to list confirmed unsettled payments: %v", err)
		return
	}

	settledTxHash := ""
	if sweep.TxHash.Valid {
		settledTxHash = sweep.TxHash.String
	}

	settledAny := false
	for _, payment := range payments {
		if payment.PaymentAddressID != sweep.PaymentAddressID {
			continue
		}
		if err := e.settlePayment(ctx, payment, settledTxHash); err != nil {
			e.cfg.Logger.Printf("failed to mark %s settled: %v", payment.ID, err)
			continue
		}
		settledAny = true

		if e.notifier != nil {
			payment.SettledTxHash.String, payment.SettledTxHash.Valid = settledTxHash, settledTxHash != ""
			if err := e.notifier.NotifyTransactionSettled(ctx, payment); err != nil {
				e.cfg.Logger.Printf("settlement notification failed for %s: %v", payment.ID, err)
			}
		}
	}

	if err := e.advanceSweep(ctx, sweep); err != nil {
		e.cfg.Logger.Printf("failed to advance settlement transfer %s past confirmed: %v", sweep.ID, err)
		return
	}

	if settledAny && e.notifier != nil {
		if err := e.notifier.NotifySettlementCompleted(ctx, sweep); err != nil {
			e.cfg.Logger.Printf("settlement-completed notification failed for %s: %v", sweep.ID, err)
		}
	}
}

// settlePayment marks one payment settled, records the sweep's hash on
// it, and appends the audit entry, all in one database transaction.
func (e *Engine) settlePayment(ctx context.Context, payment *database.Transaction, settledTxHash string) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, payment.ID, database.TransactionStatusConfirmed, database.TransactionStatusSettled); err != nil {
		return err
	}
	if err := e.repos.Transactions.RecordSettlementTx(ctx, dbtx, payment.ID, settledTxHash); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, payment.ID, audit.ActionTxSettled, string(database.TransactionStatusConfirmed), string(database.TransactionStatusSettled), map[string]string{"settlement_tx_hash": settledTxHash}); err != nil {
		return err
	}
	return dbtx.Commit()
}

// advanceSweep moves the swept address and the settlement-transfer row
// itself past confirmed so neither is reprocessed, with the audit entry
// in the same database transaction.
func (e *Engine) advanceSweep(ctx context.Context, sweep *database.Transaction) error {
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if err := e.repos.PaymentAddresses.UpdateStatusCASTx(ctx, dbtx, sweep.PaymentAddressID, database.PaymentAddressStatusConfirmed, database.PaymentAddressStatusSettled); err != nil && err != database.ErrStatusConflict {
		return err
	}
	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, sweep.ID, database.TransactionStatusConfirmed, database.TransactionStatusSettled); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, sweep.ID, audit.ActionTxSettled, string(database.TransactionStatusConfirmed), string(database.TransactionStatusSettled), nil); err != nil {
		return err
	}
	return dbtx.Commit()
}

// RunColdSweep runs one hot-to-cold pass: if the hot wallet's live
// token balance exceeds the configured threshold and its
// native-coin balance still covers the configured gas reserve, the full
// token balance moves to the configured cold-storage address.
func (e *Engine) RunColdSweep(ctx context.Context) {
	if e.cfg.ColdAddress == "" {
		return
	}

	hotWallet, err := e.repos.PaymentAddresses.GetHotWallet(ctx)
	if err != nil {
		if err != database.ErrPaymentAddressNotFound {
			e.cfg.Logger.Printf("failed to load hot wallet: %v", err)
		}
		return
	}

	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to read token decimals: %v", err)
		return
	}

	balance, err := e.chain.TokenBalanceOf(ctx, common.HexToAddress(hotWallet.Address))
	if err != nil {
		e.cfg.Logger.Printf("failed to read hot wallet balance: %v", err)
		return
	}

	threshold := scaledThreshold(e.cfg.HotThreshold, decimals)
	if threshold == nil {
		e.cfg.Logger.Printf("hot threshold %q is not a valid amount, skipping cold sweep", e.cfg.HotThreshold)
		return
	}
	if balance.Sign() <= 0 || balance.Cmp(threshold) <= 0 {
		return
	}

	native, err := e.chain.NativeBalance(ctx, common.HexToAddress(hotWallet.Address))
	if err != nil {
		e.cfg.Logger.Printf("failed to read hot wallet native balance: %v", err)
		return
	}
	if native.Cmp(e.cfg.GasReserveWei) < 0 {
		e.cfg.Logger.Printf("hot wallet native balance %s below gas reserve %s, skipping cold sweep", native, e.cfg.GasReserveWei)
		return
	}

	privateKeyHex, err := e.keys.DecryptKeyHex(hotWallet)
	if err != nil {
		e.cfg.Logger.Printf("failed to decrypt hot wallet key: %v", err)
		return
	}

	txHash, err := e.chain.TransferTokenWithGasMultiplier(ctx, privateKeyHex, common.HexToAddress(e.cfg.ColdAddress), balance, e.cfg.ChainID, e.cfg.GasPriceMultiplier)
	if err != nil {
		e.cfg.Logger.Printf("failed to broadcast cold sweep: %v", err)
		return
	}

	amount := toDecimalString(balance, decimals)
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		e.cfg.Logger.Printf("failed to begin transaction recording cold sweep: %v", err)
		return
	}
	defer dbtx.Rollback()

	coldTx, err := e.repos.Transactions.CreateTransactionTx(ctx, dbtx, &database.NewTransactionRecord{
		PaymentAddressID: hotWallet.ID,
		Kind:             database.TransactionKindColdStorageTransfer,
		TxHash:           txHash.Hex(),
		FromAddress:      hotWallet.Address,
		Amount:           amount,
		DetectedVia:      database.DetectionMethodPoll,
	})
	if err != nil {
		e.cfg.Logger.Printf("failed to record cold storage transfer: %v", err)
		return
	}

	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityPaymentAddress, hotWallet.ID, audit.ActionTxDetected, "", "", map[string]string{
		"cold_storage_transfer_id": coldTx.ID.String(),
		"tx_hash":                  txHash.Hex(),
		"amount":                   amount,
	}); err != nil {
		e.cfg.Logger.Printf("failed to audit cold storage transfer: %v", err)
		return
	}
	if err := dbtx.Commit(); err != nil {
		e.cfg.Logger.Printf("failed to commit cold storage transfer: %v", err)
	}
}

// toDecimalString renders a raw on-chain integer amount as a decimal
// string, matching pkg/confirmation's translation of the same on-chain
// integer representation.
func toDecimalString(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value := new(big.Float).Quo(new(big.Float).SetInt(raw), scale)
	return value.Text('f', int(decimals))
}

// scaledThreshold parses a decimal token-amount string and scales it to the
// token's raw integer representation, returning nil if threshold is empty
// or malformed (cold sweep is then skipped entirely rather than guessing).
func scaledThreshold(threshold string, decimals uint8) *big.Int {
	if threshold == "" {
		return nil
	}
	f, ok := new(big.Float).SetString(threshold)
	if !ok {
		return nil
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(f, scale)
	out, _ := scaled.Int(nil)
	return out
}
