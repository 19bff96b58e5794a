package confirmation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/observer"
)

// ObserveTransfer is the entry point the chain observer calls on every
// detected transfer: resolve the recipient, dedupe by tx-hash, translate
// the amount, record the transaction, and schedule the first
// confirmation check. The block number and block hash recorded are the
// ones carried on the event; no receipt or block header is fetched here,
// and no block timestamp is recorded.
func (e *Engine) ObserveTransfer(ctx context.Context, event observer.TransferEvent) error {
	addr, err := e.repos.PaymentAddresses.GetPaymentAddressByAddress(ctx, event.Address.Hex())
	if err != nil {
		if err == database.ErrPaymentAddressNotFound {
			e.cfg.Logger.Printf("transfer to unmonitored address %s dropped", event.Address)
			return nil
		}
		return fmt.Errorf("confirmation: resolve payment address: %w", err)
	}

	txHashHex := ""
	if event.TxHash != (common.Hash{}) {
		txHashHex = event.TxHash.Hex()
		existing, err := e.repos.Transactions.GetTransactionByHash(ctx, txHashHex)
		if err != nil && err != database.ErrTransactionNotFound {
			return fmt.Errorf("confirmation: lookup existing transaction: %w", err)
		}
		if existing != nil {
			return nil
		}
	}

	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		return fmt.Errorf("confirmation: read token decimals: %w", err)
	}
	amount := toDecimalString(event.Amount, decimals)

	// A payment arriving after the address already expired gets no normal
	// confirm-and-settle treatment: the address stays expired and the full
	// amount is queued for refund once the inbound transfer itself confirms.
	if addr.Status == database.PaymentAddressStatusExpired {
		return e.observeLatePayment(ctx, addr, event, amount)
	}

	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("confirmation: begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	tx, err := e.repos.Transactions.CreateTransactionTx(ctx, dbtx, &database.NewTransactionRecord{
		PaymentAddressID: addr.ID,
		TxHash:           txHashHex,
		BlockNumber:      int64(event.BlockNumber),
		BlockHash:        blockHashHex(event.BlockHash),
		FromAddress:      event.From.Hex(),
		Amount:           amount,
		DetectedVia:      database.DetectionMethod(event.Detected),
	})
	if err != nil {
		return fmt.Errorf("confirmation: record transaction: %w", err)
	}

	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, tx.ID, database.TransactionStatusPending, database.TransactionStatusConfirming); err != nil {
		return fmt.Errorf("confirmation: move %s to confirming: %w", tx.ID, err)
	}

	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, audit.ActionTxDetected, "", string(database.TransactionStatusConfirming), map[string]string{
		"tx_hash": tx.TxHash.String,
		"amount":  amount,
	}); err != nil {
		return fmt.Errorf("confirmation: audit detection of %s: %w", tx.ID, err)
	}

	if addr.Status == database.PaymentAddressStatusPending {
		if err := e.repos.PaymentAddresses.UpdateStatusCASTx(ctx, dbtx, addr.ID, database.PaymentAddressStatusPending, database.PaymentAddressStatusConfirming); err != nil && err != database.ErrStatusConflict {
			return fmt.Errorf("confirmation: mark address %s confirming: %w", addr.ID, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("confirmation: commit detection of %s: %w", tx.ID, err)
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyPaymentReceived(ctx, tx); err != nil {
			e.cfg.Logger.Printf("payment-received notification failed for %s: %v", tx.ID, err)
		}
	}

	e.scheduleNextCheck(ctx, tx.ID, 1)
	return nil
}

// observeLatePayment records a transfer that arrived after its address had
// already expired. It still rides the normal pending -> confirming ->
// confirmed path so the amount is only refunded once it has actually
// cleared on chain, but the owning address is left expired throughout and
// finalize() routes it straight to a full refund instead of settlement.
func (e *Engine) observeLatePayment(ctx context.Context, addr *database.PaymentAddress, event observer.TransferEvent, amount string) error {
	txHashHex := ""
	if event.TxHash != (common.Hash{}) {
		txHashHex = event.TxHash.Hex()
	}
	dbtx, err := e.repos.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("confirmation: begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	tx, err := e.repos.Transactions.CreateTransactionTx(ctx, dbtx, &database.NewTransactionRecord{
		PaymentAddressID: addr.ID,
		Kind:             database.TransactionKindPayment,
		TxHash:           txHashHex,
		BlockNumber:      int64(event.BlockNumber),
		BlockHash:        blockHashHex(event.BlockHash),
		FromAddress:      event.From.Hex(),
		Amount:           amount,
		DetectedVia:      database.DetectionMethod(event.Detected),
	})
	if err != nil {
		return fmt.Errorf("confirmation: record late transaction: %w", err)
	}

	if err := e.repos.Transactions.UpdateStatusCASTx(ctx, dbtx, tx.ID, database.TransactionStatusPending, database.TransactionStatusConfirming); err != nil {
		return fmt.Errorf("confirmation: move late payment %s to confirming: %w", tx.ID, err)
	}

	if err := e.audit.RecordTx(ctx, dbtx, audit.EntityTransaction, tx.ID, audit.ActionTxDetected, "", string(database.TransactionStatusConfirming), map[string]string{
		"tx_hash": tx.TxHash.String,
		"amount":  amount,
		"late":    "true",
	}); err != nil {
		return fmt.Errorf("confirmation: audit late detection of %s: %w", tx.ID, err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("confirmation: commit late detection of %s: %w", tx.ID, err)
	}

	e.scheduleNextCheck(ctx, tx.ID, 1)
	return nil
}

// blockHashHex renders a block hash for storage, keeping the column NULL
// (empty string) when only a balance delta was observed and no block hash
// is known.
func blockHashHex(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// toDecimalString renders a raw on-chain integer amount as a decimal
// string using the token's decimals, always with exactly `decimals`
// fractional digits, e.g. 1500000 with 6 decimals -> "1.500000".
func toDecimalString(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value := new(big.Float).Quo(new(big.Float).SetInt(raw), scale)
	return value.Text('f', int(decimals))
}
