// Sentinel errors for repository operations.

package database

import "errors"

var (
	// ErrNotFound is a generic not-found sentinel for lookups that don't
	// warrant their own typed error.
	ErrNotFound = errors.New("entity not found")

	ErrMerchantNotFound        = errors.New("merchant not found")
	ErrPaymentAddressNotFound  = errors.New("payment address not found")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrWebhookEndpointNotFound = errors.New("webhook endpoint not found")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
	ErrAuditEntryNotFound      = errors.New("audit log entry not found")
	ErrRefundNotFound          = errors.New("refund not found")

	// ErrStatusConflict is returned by CAS-style status updates when the
	// row's current status no longer matches the expected prior status.
	ErrStatusConflict = errors.New("status conflict: row was updated concurrently")

	// ErrDuplicateAddress is returned when an address uniqueness constraint
	// is violated during address issuance.
	ErrDuplicateAddress = errors.New("derived address already in use")
)
