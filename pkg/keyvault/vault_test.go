// Key Vault Tests

package keyvault

import (
	"bytes"
	"strings"
	"testing"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestSealOpen_RoundTrip(t *testing.T) {
	v, err := NewVault(testKeyHex)
	if err != nil {
		t.Fatalf("failed to build vault: %v", err)
	}

	plaintext := []byte("nimble stereo cactus velvet gravity orange cliff juice")
	blob, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	opened, err := v.Open(blob)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestSeal_RandomIV(t *testing.T) {
	v, _ := NewVault(testKeyHex)

	blobA, err := v.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	blobB, err := v.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if bytes.Equal(blobA, blobB) {
		t.Error("two seals of the same plaintext produced identical ciphertext; IV is not random")
	}
}

func TestOpen_WrongVersion(t *testing.T) {
	v, _ := NewVault(testKeyHex)

	blob, _ := v.Seal([]byte("mnemonic"))
	blob[0] = 0xFF

	if _, err := v.Open(blob); err != ErrUnsupportedVersion {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestOpen_Truncated(t *testing.T) {
	v, _ := NewVault(testKeyHex)

	if _, err := v.Open([]byte{1, 2, 3}); err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewVault_InvalidKeyLength(t *testing.T) {
	_, err := NewVault("abcd")
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSealString_OpenString(t *testing.T) {
	v, _ := NewVault(testKeyHex)

	mnemonic := "nimble stereo cactus velvet gravity orange cliff juice"
	blob, err := v.SealString(mnemonic)
	if err != nil {
		t.Fatalf("seal string failed: %v", err)
	}

	opened, err := v.OpenString(blob)
	if err != nil {
		t.Fatalf("open string failed: %v", err)
	}
	if opened != mnemonic {
		t.Errorf("got %q, want %q", opened, mnemonic)
	}
}

func TestPkcs7_RejectsBadPadding(t *testing.T) {
	_, err := pkcs7Unpad([]byte{1, 2, 3, 4, 5, 6, 7, 0}, 16)
	if err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("expected malformed ciphertext error, got %v", err)
	}
}
