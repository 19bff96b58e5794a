// Sentinel errors for address issuance.

package address

import "errors"

var (
	// ErrLockTimeout is returned when the caller's wait budget (or its
	// context) runs out before the generation lock could be acquired.
	ErrLockTimeout = errors.New("address: timed out waiting for generation lock")

	// ErrMaxRetriesExceeded is returned when every retry attempt still
	// collided with an existing address or hd_path.
	ErrMaxRetriesExceeded = errors.New("address: exceeded retry budget deriving a unique address")

	// ErrNoEncryptedKey is returned by DecryptKey when the address record
	// has no sealed private key to open (e.g. it predates key storage).
	ErrNoEncryptedKey = errors.New("address: record has no encrypted key")

	// ErrHotWalletExists is returned by IssueHotWallet when one has already
	// been provisioned; callers should use GetOrCreateHotWallet instead.
	ErrHotWalletExists = errors.New("address: hot wallet already provisioned")
)
