// HD Wallet Tests

package hdwallet

import (
	"testing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDerive_Deterministic(t *testing.T) {
	w, err := New(testMnemonic, "")
	if err != nil {
		t.Fatalf("failed to build wallet: %v", err)
	}

	a1, err := w.Derive("m/44'/60'/0'/0", 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	a2, err := w.Derive("m/44'/60'/0'/0", 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	if a1.Address != a2.Address {
		t.Errorf("derivation is not deterministic: got %s and %s for the same path", a1.Address, a2.Address)
	}
}

func TestDerive_DistinctIndices(t *testing.T) {
	w, _ := New(testMnemonic, "")

	a0, err := w.Derive("m/44'/60'/0'/0", 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	a1, err := w.Derive("m/44'/60'/0'/0", 1)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	if a0.Address == a1.Address {
		t.Error("distinct indices produced the same address")
	}
}

func TestNew_RejectsInvalidMnemonic(t *testing.T) {
	_, err := New("not a real mnemonic phrase at all nope", "")
	if err == nil {
		t.Error("expected an error for an invalid mnemonic")
	}
}

func TestGenerateMnemonic_IsValid(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic failed: %v", err)
	}

	if _, err := New(mnemonic, ""); err != nil {
		t.Errorf("generated mnemonic failed validation: %v", err)
	}
}
