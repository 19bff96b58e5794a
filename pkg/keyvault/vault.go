// Package keyvault encrypts the HD wallet seed mnemonic at rest.
//
// The cipher is AES-256-CBC with PKCS#7 padding and a random 16-byte IV,
// per the gateway's storage format. This diverges from AES-256-GCM used
// elsewhere in the ambient stack for authenticated application data: the
// seed mnemonic is decrypted once at process startup from a single
// operator-controlled key, not per-request, so CBC's lack of a built-in
// authentication tag is an accepted tradeoff rather than an oversight.
package keyvault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// formatVersion is the first byte of every sealed blob, so future cipher
// changes can be introduced without breaking old vault files.
const formatVersion byte = 1

const (
	keyLen = 32 // AES-256
	ivLen  = 16
)

var (
	ErrInvalidKey       = errors.New("keyvault: encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("keyvault: ciphertext too short or malformed")
	ErrUnsupportedVersion = errors.New("keyvault: unsupported format version")
)

// Vault seals and opens secret material with a single 256-bit key, loaded
// once from configuration at startup.
type Vault struct {
	key []byte
}

// NewVault builds a Vault from a hex-encoded 32-byte key, as read from the
// SECURITY_ENCRYPTION_KEY environment variable.
func NewVault(keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keyvault: decode key: %w", err)
	}
	if len(key) != keyLen {
		return nil, ErrInvalidKey
	}
	return &Vault{key: key}, nil
}

// Seal encrypts plaintext and returns a versioned blob: [version:1][iv:16][ciphertext].
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: new cipher: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("keyvault: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	defer clearBytes(padded)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, 1+ivLen+len(ciphertext))
	out = append(out, formatVersion)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open reverses Seal. The returned plaintext should be cleared by the
// caller once consumed.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	if len(blob) < 1+ivLen+aes.BlockSize {
		return nil, ErrInvalidCiphertext
	}
	if blob[0] != formatVersion {
		return nil, ErrUnsupportedVersion
	}

	iv := blob[1 : 1+ivLen]
	ciphertext := blob[1+ivLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: new cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, block.BlockSize())
	if err != nil {
		clearBytes(padded)
		return nil, err
	}
	return plaintext, nil
}

// SealString and OpenString adapt Seal/Open to the common case of
// encrypting a UTF-8 mnemonic phrase.
func (v *Vault) SealString(plaintext string) ([]byte, error) {
	return v.Seal([]byte(plaintext))
}

func (v *Vault) OpenString(blob []byte) (string, error) {
	plaintext, err := v.Open(blob)
	if err != nil {
		return "", err
	}
	defer clearBytes(plaintext)
	return string(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidCiphertext
		}
	}
	return data[:len(data)-padLen], nil
}

