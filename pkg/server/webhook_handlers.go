package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// WebhookEndpointHandlers serves POST /webhooks, registering a
// merchant's delivery target.
type WebhookEndpointHandlers struct {
	endpoints *database.WebhookEndpointRepository
}

func NewWebhookEndpointHandlers(endpoints *database.WebhookEndpointRepository) *WebhookEndpointHandlers {
	return &WebhookEndpointHandlers{endpoints: endpoints}
}

type createWebhookEndpointRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

type webhookEndpointResponse struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleCreate handles POST /webhooks.
func (h *WebhookEndpointHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	merchant := merchantFromContext(r.Context())
	if merchant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}

	var req createWebhookEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing_url", "url is required")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "missing_events", "at least one event must be subscribed")
		return
	}

	ep, err := h.endpoints.CreateEndpoint(r.Context(), merchant.ID, req.URL, req.Secret, req.Events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, webhookEndpointResponse{
		ID:        ep.ID,
		URL:       ep.URL,
		Events:    ep.Events,
		Status:    string(ep.Status),
		CreatedAt: ep.CreatedAt,
	})
}
