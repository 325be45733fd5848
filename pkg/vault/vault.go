// Package vault encrypts provider API keys and secret configuration values at rest.
//
// Ciphertexts are XChaCha20-Poly1305 sealed boxes packed as
// hex(nonce):hex(tag):hex(ciphertext). The symmetric key is derived from an
// externally supplied master secret with HKDF-SHA256; there is no built-in
// fallback key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// keyInfo binds derived keys to this use so the same master secret can
	// safely seed other subsystems.
	keyInfo = "n8n-analytics credential vault v1"

	separator = ":"
)

var (
	// ErrMissingMasterKey is returned when no master secret was configured.
	ErrMissingMasterKey = errors.New("master key is not configured")

	// ErrDecryption matches every DecryptionError.
	ErrDecryption = errors.New("decryption failed")
)

// DecryptionError reports a ciphertext that could not be opened, either
// because it was tampered with, is malformed, or was sealed with another key.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecryption) match.
func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Vault seals and opens secrets with a single derived key.
type Vault struct {
	key []byte
}

// New derives the vault key from masterSecret.
func New(masterSecret string) (*Vault, error) {
	secret := strings.TrimSpace(masterSecret)
	if secret == "" {
		return nil, ErrMissingMasterKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return &Vault{key: key}, nil
}

// GenerateMasterKey returns a random hex-encoded 32 byte secret suitable for New.
func GenerateMasterKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(body),
	}, separator), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(packed string) (string, error) {
	nonce, tag, body, err := unpack(packed)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s looks like a value produced by Encrypt.
func IsEncrypted(s string) bool {
	_, _, _, err := unpack(s)
	return err == nil
}

func unpack(packed string) (nonce, tag, body []byte, err error) {
	parts := strings.Split(packed, separator)
	if len(parts) != 3 {
		return nil, nil, nil, &DecryptionError{Reason: "malformed ciphertext"}
	}

	decoded := make([][]byte, len(parts))
	for i, p := range parts {
		b, decErr := hex.DecodeString(p)
		if decErr != nil {
			return nil, nil, nil, &DecryptionError{Reason: "malformed ciphertext", Err: decErr}
		}
		decoded[i] = b
	}

	if len(decoded[0]) != chacha20poly1305.NonceSizeX || len(decoded[1]) != chacha20poly1305.Overhead {
		return nil, nil, nil, &DecryptionError{Reason: "malformed ciphertext"}
	}
	return decoded[0], decoded[1], decoded[2], nil
}
