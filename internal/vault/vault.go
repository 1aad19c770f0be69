// Package vault encrypts credential values at rest with AES-256-CBC.
//
// The key is derived from the configured secret keys; a vault without
// secrets (or with encryption disabled) passes values through unchanged.
// Decrypt is total: any failure returns the input as-is, so callers can
// feed it arbitrary stored values and plaintext survives untouched.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

// Vault holds the derived key and the encrypt-at-rest switch.
type Vault struct {
	key     []byte
	enabled bool
}

// New derives the AES key from the concatenated secret keys. With no
// secret material the vault has no key and never transforms values.
func New(secrets []string, enabled bool) *Vault {
	v := &Vault{enabled: enabled}
	joined := strings.Join(secrets, "")
	if joined != "" {
		sum := sha256.Sum256([]byte(joined))
		v.key = sum[:]
	}
	return v
}

// Enabled reports whether new values are encrypted on write.
func (v *Vault) Enabled() bool {
	return v.enabled
}

// HasKey reports whether key material is available. Decryption is
// attempted whenever a key exists, even with encryption disabled, so
// previously encrypted values stay readable during a migration window.
func (v *Vault) HasKey() bool {
	return v.key != nil
}

// Encrypt returns base64(iv || ciphertext) for the value, using a fresh
// random IV per call. When encryption is disabled, no key is available,
// or encryption fails, the plaintext is returned unchanged.
func (v *Vault) Encrypt(value string) string {
	if !v.enabled || v.key == nil || value == "" {
		return value
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return value
	}

	padded := pkcs7Pad([]byte(value), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return value
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt. Any failure (bad base64, short input, wrong
// key, invalid padding, non-UTF-8 result) returns the input unchanged.
func (v *Vault) Decrypt(value string) string {
	if v.key == nil || value == "" {
		return value
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value
	}
	// Need the IV plus at least one ciphertext block.
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return value
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return value
	}

	plain := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, raw[:aes.BlockSize]).CryptBlocks(plain, raw[aes.BlockSize:])

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return value
	}
	// A wrong key can still land on valid padding; credential values are
	// UTF-8, so reject anything that is not.
	if !utf8.Valid(unpadded) {
		return value
	}
	return string(unpadded)
}

// IsEncrypted reports whether the value is a ciphertext this vault can
// open: decryption changed it.
func (v *Vault) IsEncrypted(value string) bool {
	return v.Decrypt(value) != value
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
