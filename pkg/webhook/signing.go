package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// sign computes the HMAC-SHA256 signature header value over
// "t=<unix>\n<payload>" using the endpoint's shared secret, so a receiver
// can verify both authenticity and that the body wasn't replayed stale.
func sign(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "t=%d\n%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// idempotencyKey returns a random 16-byte hex token for the
// X-Idempotency-Key header, letting a receiver dedupe retried deliveries.
func idempotencyKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("webhook: generate idempotency key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
