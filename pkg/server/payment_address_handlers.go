package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/address"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// PaymentAddressHandlers serves the /payment-addresses routes,
// constructed with its dependencies as arguments.
type PaymentAddressHandlers struct {
	addresses *address.Service
	repo      *database.PaymentAddressRepository
}

func NewPaymentAddressHandlers(addresses *address.Service, repo *database.PaymentAddressRepository) *PaymentAddressHandlers {
	return &PaymentAddressHandlers{addresses: addresses, repo: repo}
}

type issuePaymentAddressRequest struct {
	ExpectedAmount  string          `json:"expected_amount"`
	Reference       string          `json:"reference"`
	Metadata        json.RawMessage `json:"metadata"`
	ExpiresInSecond int64           `json:"expires_in_seconds"`
}

type paymentAddressResponse struct {
	ID             uuid.UUID       `json:"id"`
	Address        string          `json:"address"`
	ExpectedAmount string          `json:"expected_amount,omitempty"`
	TokenContract  string          `json:"token_contract"`
	Status         string          `json:"status"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Reference      string          `json:"reference,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toPaymentAddressResponse(pa *database.PaymentAddress) paymentAddressResponse {
	return paymentAddressResponse{
		ID:             pa.ID,
		Address:        pa.Address,
		ExpectedAmount: pa.ExpectedAmount.String,
		TokenContract:  pa.TokenContract,
		Status:         string(pa.Status),
		ExpiresAt:      pa.ExpiresAt,
		Reference:      pa.Reference.String,
		Metadata:       pa.Metadata,
		CreatedAt:      pa.CreatedAt,
	}
}

// HandleIssue handles POST /payment-addresses.
func (h *PaymentAddressHandlers) HandleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}

	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	var req issuePaymentAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}

	var lifetime time.Duration
	if req.ExpiresInSecond > 0 {
		lifetime = time.Duration(req.ExpiresInSecond) * time.Second
	}

	pa, err := h.addresses.IssueMerchantAddressWithLifetime(r.Context(), merchant.ID, req.ExpectedAmount, req.Reference, req.Metadata, lifetime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentAddressResponse(pa))
}

// HandleGet handles GET /payment-addresses/:id.
func (h *PaymentAddressHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}

	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/payment-addresses/")
	if idStr == "" || idStr == r.URL.Path {
		writeError(w, http.StatusBadRequest, "missing_id", "payment address id required")
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "payment address id must be a uuid")
		return
	}

	pa, err := h.repo.GetPaymentAddress(r.Context(), id)
	if err == database.ErrPaymentAddressNotFound {
		writeError(w, http.StatusNotFound, "not_found", "payment address not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	if !pa.MerchantID.Valid || pa.MerchantID.UUID != merchant.ID {
		writeError(w, http.StatusNotFound, "not_found", "payment address not found")
		return
	}

	writeJSON(w, http.StatusOK, toPaymentAddressResponse(pa))
}
