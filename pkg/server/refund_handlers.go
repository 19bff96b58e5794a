package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
	"github.com/certen-labs/crypto-payment-gateway/pkg/refund"
)

// RefundHandlers serves POST /transactions/:id/refunds, the manual
// refund-initiation route.
type RefundHandlers struct {
	transactions *database.TransactionRepository
	addresses    *database.PaymentAddressRepository
	queueSvc     *queue.Service
}

func NewRefundHandlers(transactions *database.TransactionRepository, addresses *database.PaymentAddressRepository, queueSvc *queue.Service) *RefundHandlers {
	return &RefundHandlers{transactions: transactions, addresses: addresses, queueSvc: queueSvc}
}

type initiateRefundRequest struct {
	Amount string `json:"amount"`
}

// HandleInitiate handles POST /transactions/:id/refunds. The transaction's
// full amount is refunded when Amount is omitted.
func (h *RefundHandlers) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/transactions/"), "/refunds")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "transaction id must be a uuid")
		return
	}

	tx, err := h.transactions.GetTransaction(r.Context(), id)
	if err == database.ErrTransactionNotFound {
		writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}

	addr, err := h.addresses.GetPaymentAddress(r.Context(), tx.PaymentAddressID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	if !addr.MerchantID.Valid || addr.MerchantID.UUID != merchant.ID {
		writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}

	var req initiateRefundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
			return
		}
	}
	amount := req.Amount
	if amount == "" {
		amount = tx.Amount
	}

	task := refund.Task{TransactionID: tx.ID, Reason: database.RefundReasonManual, Amount: amount}
	if err := h.queueSvc.Publish(r.Context(), refund.ProcessQueueName, queue.PriorityHigh, task); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transaction_id": tx.ID.String(),
		"status":         "refund_queued",
	})
}
