package address

import (
	"context"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/certen-labs/crypto-payment-gateway/pkg/keyvault"
)

func testVault(t *testing.T) *keyvault.Vault {
	t.Helper()
	v, err := keyvault.NewVault("0101010101010101010101010101010101010101010101010101010101010101"[:64])
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func TestDecryptKey_RoundTrip(t *testing.T) {
	vault := testVault(t)
	plaintext := []byte("a-derived-private-key-material-")
	sealed, err := vault.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	s := &Service{vault: vault}
	encKey := sql.NullString{String: hex.EncodeToString(sealed), Valid: true}

	key, err := s.decryptKeyFromHex(encKey)
	if err != nil {
		t.Fatalf("decryptKeyFromHex: %v", err)
	}
	if string(key) != string(plaintext) {
		t.Errorf("decrypted key = %q, want %q", key, plaintext)
	}
}

func TestDecryptKey_NoEncryptedKey(t *testing.T) {
	s := &Service{vault: testVault(t)}
	_, err := s.decryptKeyFromHex(sql.NullString{})
	if err != ErrNoEncryptedKey {
		t.Errorf("err = %v, want ErrNoEncryptedKey", err)
	}
}

func TestGenLock_SerializesAcquire(t *testing.T) {
	lock := newGenLock(time.Second, time.Second)

	release, err := lock.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := lock.acquire(ctx); err != ErrLockTimeout {
		t.Errorf("second acquire err = %v, want ErrLockTimeout while held", err)
	}

	release()

	release2, err := lock.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestGenLock_WatchdogForceReleases(t *testing.T) {
	lock := newGenLock(20*time.Millisecond, time.Second)

	release, err := lock.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	release2, err := lock.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after watchdog force-release: %v", err)
	}
	release2()
}
