// Package server exposes the merchant-facing REST surface over bare
// net/http: per-resource handler structs built with injected
// dependencies, signed-request authentication, per-key rate limiting,
// and Idempotency-Key replay, with no HTTP framework in between.
package server

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/certen-labs/crypto-payment-gateway/pkg/address"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
)

type contextKey int

const merchantContextKey contextKey = iota

func merchantFromContext(ctx context.Context) *database.Merchant {
	m, _ := ctx.Value(merchantContextKey).(*database.Merchant)
	return m
}

// Config controls the listen address and rate-limiting default.
type Config struct {
	ListenAddr        string
	RateLimitPerMin   int
	ShutdownTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		RateLimitPerMin: 100,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server hosts the merchant REST surface.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *log.Logger
	limiter    *RateLimiter
	validator  *APIKeyValidator
	idempotent *database.IdempotencyRepository
}

// NewServer wires every merchant route onto a fresh ServeMux.
func NewServer(
	cfg Config,
	merchants *database.MerchantRepository,
	idempotent *database.IdempotencyRepository,
	addresses *address.Service,
	addressRepo *database.PaymentAddressRepository,
	transactions *database.TransactionRepository,
	queueSvc *queue.Service,
	webhookEndpoints *database.WebhookEndpointRepository,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		limiter:    NewRateLimiter(cfg.RateLimitPerMin),
		validator:  NewAPIKeyValidator(merchants),
		idempotent: idempotent,
	}

	paymentAddressHandlers := NewPaymentAddressHandlers(addresses, addressRepo)
	transactionHandlers := NewTransactionHandlers(transactions, addressRepo)
	refundHandlers := NewRefundHandlers(transactions, addressRepo, queueSvc)
	webhookHandlers := NewWebhookEndpointHandlers(webhookEndpoints)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/payment-addresses", s.authenticate(withIdempotency(idempotent, paymentAddressHandlers.HandleIssue)))
	mux.HandleFunc("/payment-addresses/", s.authenticate(paymentAddressHandlers.HandleGet))

	mux.HandleFunc("/transactions", s.authenticate(transactionHandlers.HandleList))
	mux.HandleFunc("/transactions/", s.authenticate(s.routeTransactionPath(transactionHandlers, refundHandlers, idempotent)))

	mux.HandleFunc("/webhooks", s.authenticate(withIdempotency(idempotent, webhookHandlers.HandleCreate)))

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return s
}

// routeTransactionPath dispatches /transactions/:id and
// /transactions/:id/refunds, since both share the "/transactions/" mux
// prefix: one handler per prefix, discriminating on the remaining path.
func (s *Server) routeTransactionPath(tx *TransactionHandlers, refunds *RefundHandlers, idempotent *database.IdempotencyRepository) http.HandlerFunc {
	refundHandler := withIdempotency(idempotent, refunds.HandleInitiate)
	return func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > len("/refunds") && r.URL.Path[len(r.URL.Path)-len("/refunds"):] == "/refunds" {
			refundHandler(w, r)
			return
		}
		tx.HandleGet(w, r)
	}
}

// authenticate verifies X-API-Key/X-Timestamp/X-Nonce/X-Signature,
// enforces the per-key rate limit, and injects the resolved Merchant
// into the request context.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing_api_key", "X-API-Key header required")
			return
		}

		allowed, resetAt := s.limiter.Allow(apiKey)
		if !allowed {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if err := verifySignature(apiKey, r.Method, r.URL.Path, body,
			r.Header.Get("X-Timestamp"), r.Header.Get("X-Nonce"), r.Header.Get("X-Signature")); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}

		merchant, err := s.validator.Validate(r.Context(), apiKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), merchantContextKey, merchant)
		next(w, r.WithContext(ctx))
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Printf("listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
