package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"
)

func signRequest(apiKey, method, path string, body []byte, ts int64, nonce string) string {
	parts := []string{strconv.FormatInt(ts, 10), nonce, method, path}
	if len(body) > 0 {
		parts = append(parts, string(body))
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	ts := time.Now().Unix()
	body := []byte(`{"expected_amount":"100"}`)
	sig := signRequest("key123", "POST", "/payment-addresses", body, ts, "nonce-1")

	err := verifySignature("key123", "POST", "/payment-addresses", body,
		strconv.FormatInt(ts, 10), "nonce-1", sig)
	if err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifySignature_EmptyBodyOmitsBodyPart(t *testing.T) {
	ts := time.Now().Unix()
	sig := signRequest("key123", "GET", "/transactions", nil, ts, "nonce-2")

	err := verifySignature("key123", "GET", "/transactions", nil,
		strconv.FormatInt(ts, 10), "nonce-2", sig)
	if err != nil {
		t.Errorf("valid bodyless signature rejected: %v", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	ts := time.Now().Add(-6 * time.Minute).Unix()
	sig := signRequest("key123", "GET", "/transactions", nil, ts, "nonce-3")

	err := verifySignature("key123", "GET", "/transactions", nil,
		strconv.FormatInt(ts, 10), "nonce-3", sig)
	if err == nil {
		t.Error("timestamp outside the 5 minute window should be rejected")
	}
}

func TestVerifySignature_Tampered(t *testing.T) {
	ts := time.Now().Unix()
	sig := signRequest("key123", "POST", "/webhooks", []byte(`{"url":"https://a"}`), ts, "nonce-4")

	err := verifySignature("key123", "POST", "/webhooks", []byte(`{"url":"https://b"}`),
		strconv.FormatInt(ts, 10), "nonce-4", sig)
	if err == nil {
		t.Error("signature over a different body should be rejected")
	}
}

func TestVerifySignature_MissingHeaders(t *testing.T) {
	if err := verifySignature("key123", "GET", "/transactions", nil, "", "", ""); err == nil {
		t.Error("missing signing headers should be rejected")
	}
}

func TestRateLimiter_AllowsBudgetThenRejects(t *testing.T) {
	rl := NewRateLimiter(3)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("key-a"); !ok {
			t.Fatalf("request %d rejected inside the budget", i+1)
		}
	}
	ok, resetAt := rl.Allow("key-a")
	if ok {
		t.Fatal("request past the budget was allowed")
	}
	if resetAt <= time.Now().Add(-time.Second).Unix() {
		t.Errorf("reset timestamp %d should be in the future", resetAt)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1)

	if ok, _ := rl.Allow("key-a"); !ok {
		t.Fatal("first request for key-a rejected")
	}
	if ok, _ := rl.Allow("key-b"); !ok {
		t.Error("key-b shares key-a's bucket")
	}
}

func TestHashAPIKey_IsStableSHA256Hex(t *testing.T) {
	h := hashAPIKey("my-api-key")
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h))
	}
	if h != hashAPIKey("my-api-key") {
		t.Error("hashing the same key twice gave different results")
	}
	if h == hashAPIKey("other-key") {
		t.Error("distinct keys hashed identically")
	}
}
