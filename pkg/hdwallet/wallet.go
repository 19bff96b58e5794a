// Package hdwallet derives per-payment deposit addresses from a single
// BIP-39 mnemonic using BIP-32 hierarchical deterministic derivation,
// following the EVM derivation path convention (m/44'/60'/0'/0/index).
package hdwallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Wallet derives EVM addresses and private keys from a master seed. It
// never persists the mnemonic in plaintext; callers are responsible for
// sealing it with pkg/keyvault before storing it.
type Wallet struct {
	master *hdkeychain.ExtendedKey
}

// New builds a Wallet from a BIP-39 mnemonic phrase and optional passphrase.
func New(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("hdwallet: invalid mnemonic: checksum verification failed or invalid words")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("hdwallet: create master key: %w", err)
	}

	return &Wallet{master: master}, nil
}

// GenerateMnemonic produces a new 24-word BIP-39 mnemonic (256 bits of
// entropy), used the one time a gateway deployment is provisioned.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("hdwallet: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("hdwallet: generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// DerivedAddress is the result of deriving a single index under basePath.
type DerivedAddress struct {
	Path       string
	Index      int64
	Address    common.Address
	PrivateKey []byte // cleared by the caller once the signer no longer needs it
}

// Derive walks basePath (e.g. "m/44'/60'/0'/0") followed by a non-hardened
// child index, and returns the resulting EVM address and private key.
func (w *Wallet) Derive(basePath string, index int64) (*DerivedAddress, error) {
	key, err := derivePath(w.master, basePath)
	if err != nil {
		return nil, err
	}

	child, err := key.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("hdwallet: derive index %d: %w", index, err)
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("hdwallet: get private key: %w", err)
	}
	defer privKey.Zero()

	ecdsaKey := privKey.ToECDSA()
	address := crypto.PubkeyToAddress(ecdsaKey.PublicKey)

	return &DerivedAddress{
		Path:       fmt.Sprintf("%s/%d", basePath, index),
		Index:      index,
		Address:    address,
		PrivateKey: crypto.FromECDSA(ecdsaKey),
	}, nil
}

func derivePath(key *hdkeychain.ExtendedKey, path string) (*hdkeychain.ExtendedKey, error) {
	path = strings.TrimPrefix(path, "m/")
	if path == "" {
		return key, nil
	}

	current := key
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}

		hardened := strings.HasSuffix(component, "'")
		component = strings.TrimSuffix(component, "'")

		idx, err := strconv.ParseUint(component, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("hdwallet: invalid path component %q: %w", component, err)
		}

		childIndex := uint32(idx)
		if hardened {
			childIndex += hdkeychain.HardenedKeyStart
		}

		child, err := current.Derive(childIndex)
		if err != nil {
			return nil, fmt.Errorf("hdwallet: derive child %d: %w", idx, err)
		}
		current = child
	}

	return current, nil
}
