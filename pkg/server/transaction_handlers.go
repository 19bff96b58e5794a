package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// TransactionHandlers serves the /transactions read routes.
type TransactionHandlers struct {
	transactions *database.TransactionRepository
	addresses    *database.PaymentAddressRepository
}

func NewTransactionHandlers(transactions *database.TransactionRepository, addresses *database.PaymentAddressRepository) *TransactionHandlers {
	return &TransactionHandlers{transactions: transactions, addresses: addresses}
}

type transactionResponse struct {
	ID               uuid.UUID `json:"id"`
	PaymentAddressID uuid.UUID `json:"payment_address_id"`
	Kind             string    `json:"kind"`
	TxHash           string    `json:"tx_hash,omitempty"`
	FromAddress      string    `json:"from_address"`
	Amount           string    `json:"amount"`
	Confirmations    int       `json:"confirmations"`
	Status           string    `json:"status"`
	SettledTxHash    string    `json:"settled_tx_hash,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	DetectedAt       time.Time `json:"detected_at"`
	ConfirmedAt      time.Time `json:"confirmed_at,omitempty"`
	SettledAt        time.Time `json:"settled_at,omitempty"`
}

func toTransactionResponse(t *database.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:               t.ID,
		PaymentAddressID: t.PaymentAddressID,
		Kind:             string(t.Kind),
		TxHash:           t.TxHash.String,
		FromAddress:      t.FromAddress,
		Amount:           t.Amount,
		Confirmations:    t.Confirmations,
		Status:           string(t.Status),
		SettledTxHash:    t.SettledTxHash.String,
		FailureReason:    t.FailureReason.String,
		DetectedAt:       t.DetectedAt,
	}
	if t.ConfirmedAt.Valid {
		resp.ConfirmedAt = t.ConfirmedAt.Time
	}
	if t.SettledAt.Valid {
		resp.SettledAt = t.SettledAt.Time
	}
	return resp
}

// ownedByMerchant confirms tx belongs to one of merchantID's payment
// addresses before it's returned over the REST surface.
func (h *TransactionHandlers) ownedByMerchant(r *http.Request, t *database.Transaction, merchantID uuid.UUID) (bool, error) {
	pa, err := h.addresses.GetPaymentAddress(r.Context(), t.PaymentAddressID)
	if err != nil {
		return false, err
	}
	return pa.MerchantID.Valid && pa.MerchantID.UUID == merchantID, nil
}

// HandleList handles GET /transactions.
func (h *TransactionHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	txs, err := h.transactions.ListByMerchant(r.Context(), merchant.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /transactions/:id.
func (h *TransactionHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if idStr == "" || idStr == r.URL.Path {
		writeError(w, http.StatusBadRequest, "missing_id", "transaction id required")
		return
	}
	if strings.Contains(idStr, "/") {
		// /transactions/:id/refunds is routed separately; anything else
		// nested under an id is not a recognized route.
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "transaction id must be a uuid")
		return
	}

	t, err := h.transactions.GetTransaction(r.Context(), id)
	if err == database.ErrTransactionNotFound {
		writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}

	owned, err := h.ownedByMerchant(r, t, merchant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	if !owned {
		writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}
