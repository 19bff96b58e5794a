// Repositories - convenience wrapper bundling all repository instances.

package database

import "context"

// Repositories holds all repository instances.
type Repositories struct {
	Merchants        *MerchantRepository
	PaymentAddresses *PaymentAddressRepository
	Transactions     *TransactionRepository
	WebhookEndpoints *WebhookEndpointRepository
	Audit            *AuditRepository
	Idempotency      *IdempotencyRepository
	Refunds          *RefundRepository
	FailedMessages   *FailedMessageRepository

	client *Client
}

// BeginTx opens a database transaction spanning multiple repositories,
// used by the engines to commit a status change and its audit entry
// atomically.
func (r *Repositories) BeginTx(ctx context.Context) (*Tx, error) {
	return r.client.BeginTx(ctx)
}

// NewRepositories creates all repositories with the given client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		client:           client,
		Merchants:        NewMerchantRepository(client),
		PaymentAddresses: NewPaymentAddressRepository(client),
		Transactions:     NewTransactionRepository(client),
		WebhookEndpoints: NewWebhookEndpointRepository(client),
		Audit:            NewAuditRepository(client),
		Idempotency:      NewIdempotencyRepository(client),
		Refunds:          NewRefundRepository(client),
		FailedMessages:   NewFailedMessageRepository(client),
	}
}
