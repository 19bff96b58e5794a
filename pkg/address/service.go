// Package address issues and tracks the deposit and hot-wallet addresses
// derived from the gateway's single HD seed: the next merchant-payment
// address for an incoming payment, or the gateway's own hot-wallet address
// for settlement and cold-storage sweeps.
package address

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/hdwallet"
	"github.com/certen-labs/crypto-payment-gateway/pkg/keyvault"
)

// Watcher is the subset of pkg/observer.Observer the address service needs:
// adding a freshly issued merchant-payment address to chain observation.
// Expressed as an interface so tests can supply a fake without pulling in
// an ethclient.
type Watcher interface {
	Watch(ctx context.Context, address common.Address) error
}

// Notifier delivers the address-created lifecycle event once a
// merchant-payment address is issued. Optional: callers that don't wire
// a webhook dispatcher can leave it nil. Expressed as a narrow interface,
// matching Watcher's pattern, so this package never imports pkg/webhook.
type Notifier interface {
	NotifyAddressCreated(ctx context.Context, pa *database.PaymentAddress) error
}

// Config controls derivation, retry, and locking behavior.
type Config struct {
	HDBasePath      string        // e.g. "m/44'/60'/0'/0"
	AddressLifetime time.Duration // merchant-payment address validity window
	TokenContract   string        // ERC20/BEP20 token this gateway accepts
	MaxRetries      int           // uniqueness-collision retry budget
	LockTimeout     time.Duration // watchdog self-release
	LockWait        time.Duration // caller wait budget to acquire the lock
}

// DefaultConfig mirrors the documented defaults: a 30s watchdog with a 10s
// caller wait, and up to 3 retries on a derivation collision.
func DefaultConfig() Config {
	return Config{
		HDBasePath:      "m/44'/60'/0'/0",
		AddressLifetime: time.Hour,
		MaxRetries:      3,
		LockTimeout:     30 * time.Second,
		LockWait:        10 * time.Second,
	}
}

// Service issues addresses from the HD wallet and seals their private keys
// for storage.
type Service struct {
	wallet *hdwallet.Wallet
	vault  *keyvault.Vault
	repo   *database.PaymentAddressRepository
	audit  *audit.Logger
	watch  Watcher
	notify Notifier
	cfg    Config
	logger *log.Logger

	lock *genLock
}

// NewService builds an address Service. watch may be nil if the caller
// wires chain observation separately (e.g. in tests). Call
// SetNotifier after construction to enable the address-created webhook;
// it stays nil-safe otherwise.
func NewService(wallet *hdwallet.Wallet, vault *keyvault.Vault, repo *database.PaymentAddressRepository, auditLogger *audit.Logger, watch Watcher, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[address] ", log.LstdFlags)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Service{
		wallet: wallet,
		vault:  vault,
		repo:   repo,
		audit:  auditLogger,
		watch:  watch,
		cfg:    cfg,
		logger: logger,
		lock:   newGenLock(cfg.LockTimeout, cfg.LockWait),
	}
}

// SetNotifier wires the optional address-created webhook notifier in
// after construction, breaking what would otherwise be a cyclic
// dependency at wiring time (the webhook package's Notifications adapter
// itself depends on nothing from pkg/address, but cmd/gateway builds both
// from the same repositories and prefers to construct the Service first).
func (s *Service) SetNotifier(n Notifier) {
	s.notify = n
}

// IssueMerchantAddress derives and persists the next merchant-payment
// address for merchantID, implementing the six-step issuance algorithm,
// using the service's configured default address lifetime.
func (s *Service) IssueMerchantAddress(ctx context.Context, merchantID uuid.UUID, expectedAmount, reference string, metadata []byte) (*database.PaymentAddress, error) {
	return s.IssueMerchantAddressWithLifetime(ctx, merchantID, expectedAmount, reference, metadata, s.cfg.AddressLifetime)
}

// IssueMerchantAddressWithLifetime is IssueMerchantAddress with a
// caller-supplied lifetime, letting the REST layer honor a per-request
// expires-in override without changing the service's configured default
// for every other caller.
func (s *Service) IssueMerchantAddressWithLifetime(ctx context.Context, merchantID uuid.UUID, expectedAmount, reference string, metadata []byte, lifetime time.Duration) (*database.PaymentAddress, error) {
	if lifetime <= 0 {
		lifetime = s.cfg.AddressLifetime
	}
	input := &database.NewPaymentAddressRecord{
		MerchantID:     uuid.NullUUID{UUID: merchantID, Valid: true},
		Kind:           database.PaymentAddressKindMerchantPayment,
		ExpectedAmount: expectedAmount,
		TokenContract:  s.cfg.TokenContract,
		ExpiresAt:      time.Now().Add(lifetime),
		Reference:      reference,
		Metadata:       metadata,
	}

	pa, err := s.issue(ctx, database.PaymentAddressKindMerchantPayment, input)
	if err != nil {
		return nil, err
	}

	if s.watch != nil {
		if err := s.watch.Watch(ctx, common.HexToAddress(pa.Address)); err != nil {
			s.logger.Printf("failed to start watching %s: %v", pa.Address, err)
		}
	}

	if s.notify != nil {
		if err := s.notify.NotifyAddressCreated(ctx, pa); err != nil {
			s.logger.Printf("failed to notify address-created for %s: %v", pa.ID, err)
		}
	}

	return pa, nil
}

// IssueHotWallet derives and persists a brand new hot-wallet address. Most
// callers want GetOrCreateHotWallet instead, since the gateway operates a
// single hot wallet at a time.
func (s *Service) IssueHotWallet(ctx context.Context) (*database.PaymentAddress, error) {
	if _, err := s.repo.GetHotWallet(ctx); err == nil {
		return nil, ErrHotWalletExists
	} else if err != database.ErrPaymentAddressNotFound {
		return nil, err
	}
	input := &database.NewPaymentAddressRecord{
		TokenContract: s.cfg.TokenContract,
		ExpiresAt:     time.Now().Add(100 * 365 * 24 * time.Hour), // hot wallets don't expire
	}
	return s.issue(ctx, database.PaymentAddressKindHotWallet, input)
}

// GetOrCreateHotWallet returns the gateway's hot-wallet address, deriving
// one the first time it's needed.
func (s *Service) GetOrCreateHotWallet(ctx context.Context) (*database.PaymentAddress, error) {
	existing, err := s.repo.GetHotWallet(ctx)
	if err == nil {
		return existing, nil
	}
	if err != database.ErrPaymentAddressNotFound {
		return nil, err
	}
	return s.IssueHotWallet(ctx)
}

// issue implements steps 1-6 of the issuance algorithm, recording the
// row under the given kind; the HD index comes from the one derivation
// branch both kinds share.
func (s *Service) issue(ctx context.Context, kind database.PaymentAddressKind, input *database.NewPaymentAddressRecord) (*database.PaymentAddress, error) {
	release, err := s.lock.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// One high-water mark across both kinds: merchant-payment and
	// hot-wallet addresses share the same derivation branch, so a
	// per-kind maximum would hand out an index the other kind already
	// consumed.
	nextIndex, err := s.repo.MaxHDIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("address: read max hd index: %w", err)
	}
	nextIndex++

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		derived, err := s.wallet.Derive(s.cfg.HDBasePath, nextIndex)
		if err != nil {
			return nil, fmt.Errorf("address: derive index %d: %w", nextIndex, err)
		}

		sealed, err := s.vault.Seal(derived.PrivateKey)
		clearBytes(derived.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("address: seal private key: %w", err)
		}

		rec := *input
		rec.Kind = kind
		rec.Address = derived.Address.Hex()
		rec.HDPath = derived.Path
		rec.HDIndex = nextIndex
		rec.EncryptedKey = hex.EncodeToString(sealed)

		dbtx, err := s.repo.BeginTx(ctx)
		if err != nil {
			return nil, fmt.Errorf("address: begin transaction: %w", err)
		}
		pa, err := s.repo.CreatePaymentAddressTx(ctx, dbtx, &rec)
		if err == nil {
			if err := s.audit.RecordTx(ctx, dbtx, audit.EntityPaymentAddress, pa.ID, audit.ActionAddressIssued, "", string(pa.Status), map[string]interface{}{
				"kind":     string(kind),
				"hd_index": nextIndex,
			}); err != nil {
				dbtx.Rollback()
				return nil, fmt.Errorf("address: audit issuance of %s: %w", pa.Address, err)
			}
			if err := dbtx.Commit(); err != nil {
				return nil, fmt.Errorf("address: commit issuance of %s: %w", pa.Address, err)
			}
			return pa, nil
		}
		dbtx.Rollback()
		if err != database.ErrDuplicateAddress {
			return nil, err
		}

		lastErr = err
		nextIndex++
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// DecryptKey opens the sealed private key for pa, ready to sign an
// outbound transfer. Callers should clear the returned slice once the
// signer no longer needs it.
func (s *Service) DecryptKey(pa *database.PaymentAddress) ([]byte, error) {
	return s.decryptKeyFromHex(pa.EncryptedKey)
}

func (s *Service) decryptKeyFromHex(encKey sql.NullString) ([]byte, error) {
	if !encKey.Valid || encKey.String == "" {
		return nil, ErrNoEncryptedKey
	}
	blob, err := hex.DecodeString(encKey.String)
	if err != nil {
		return nil, fmt.Errorf("address: decode sealed key: %w", err)
	}
	return s.vault.Open(blob)
}

// DecryptKeyHex is a convenience wrapper returning the private key as the
// hex string pkg/chain.Client's signer helpers expect.
func (s *Service) DecryptKeyHex(pa *database.PaymentAddress) (string, error) {
	key, err := s.DecryptKey(pa)
	if err != nil {
		return "", err
	}
	defer clearBytes(key)
	return hex.EncodeToString(key), nil
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
