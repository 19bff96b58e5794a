package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSign_Format(t *testing.T) {
	at := time.Unix(1700000000, 0)
	payload := []byte(`{"event":"payment-confirmed"}`)

	got := sign("topsecret", payload, at)

	if !strings.HasPrefix(got, "t=1700000000,v1=") {
		t.Fatalf("signature %q missing timestamp prefix", got)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	fmt.Fprintf(mac, "t=%d\n%s", at.Unix(), payload)
	want := "t=1700000000,v1=" + hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("sign = %q, want %q", got, want)
	}
}

func TestSign_SecretChangesSignature(t *testing.T) {
	at := time.Unix(1700000000, 0)
	payload := []byte(`{}`)

	if sign("a", payload, at) == sign("b", payload, at) {
		t.Error("different secrets produced the same signature")
	}
}

func TestIdempotencyKey_Random16ByteHex(t *testing.T) {
	a, err := idempotencyKey()
	if err != nil {
		t.Fatalf("idempotencyKey: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("key length = %d hex chars, want 32 (16 bytes)", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Errorf("key %q is not valid hex: %v", a, err)
	}

	b, _ := idempotencyKey()
	if a == b {
		t.Error("two idempotency keys were identical")
	}
}

func TestBreaker_TripsAfterThresholdWithinWindow(t *testing.T) {
	b := newBreaker()
	now := time.Unix(1700000000, 0)

	for i := 0; i < breakerFailureThreshold-1; i++ {
		if tripped := b.recordFailure(now.Add(time.Duration(i) * time.Second)); tripped {
			t.Fatalf("breaker tripped after %d failures, threshold is %d", i+1, breakerFailureThreshold)
		}
	}
	if !b.recordFailure(now.Add(10 * time.Second)) {
		t.Fatal("breaker did not trip at the failure threshold")
	}
	if b.allow(now.Add(11 * time.Second)) {
		t.Error("open breaker allowed a delivery before the reset window")
	}
}

func TestBreaker_OldFailuresFallOutOfWindow(t *testing.T) {
	b := newBreaker()
	now := time.Unix(1700000000, 0)

	// Four failures, then a long gap: the window should forget them.
	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.recordFailure(now)
	}
	if tripped := b.recordFailure(now.Add(breakerWindow + time.Second)); tripped {
		t.Error("a failure after the window elapsed should not trip the breaker")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := newBreaker()
	now := time.Unix(1700000000, 0)

	for i := 0; i < breakerFailureThreshold; i++ {
		b.recordFailure(now)
	}
	if b.allow(now) {
		t.Fatal("breaker should be open immediately after tripping")
	}

	probeAt := now.Add(breakerResetAfter)
	if !b.allow(probeAt) {
		t.Fatal("breaker should allow a half-open probe after the reset window")
	}

	// A failed probe reopens immediately.
	if !b.recordFailure(probeAt) {
		t.Error("a failure in half-open state should trip the breaker again")
	}
	if b.allow(probeAt.Add(time.Second)) {
		t.Error("breaker reopened by a failed probe should block deliveries")
	}
}

func TestBreaker_SuccessCloses(t *testing.T) {
	b := newBreaker()
	now := time.Unix(1700000000, 0)

	for i := 0; i < breakerFailureThreshold; i++ {
		b.recordFailure(now)
	}
	b.recordSuccess()

	if !b.allow(now) {
		t.Error("breaker should be closed after a recorded success")
	}
	if len(b.failures) != 0 {
		t.Error("failure history should be cleared on success")
	}
}

func TestRegistry_OneBreakerPerURL(t *testing.T) {
	r := newRegistry()
	a := r.get("https://merchant.example/hooks")
	b := r.get("https://merchant.example/hooks")
	if a != b {
		t.Error("registry handed out two breakers for the same URL")
	}
	if a == r.get("https://other.example/hooks") {
		t.Error("registry shared one breaker across distinct URLs")
	}
}
