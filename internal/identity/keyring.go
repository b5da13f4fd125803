// Package identity turns upstream API credentials into stable caller
// identifiers and sealed references that can be stored at rest.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	keyLength        = 32

	fingerprintSalt = "usage-meter-fingerprint-v1"
	sealSalt        = "usage-meter-credential-seal-v1"
)

// ErrEmptyCredential is returned when no credential was presented.
var ErrEmptyCredential = errors.New("credential is empty")

// Keyring derives the fingerprint and sealing keys from one secret.
type Keyring struct {
	fingerprintKey []byte
	sealKey        []byte
}

// NewKeyring derives both keys from secret with PBKDF2-SHA256.
func NewKeyring(secret string) (*Keyring, error) {
	if secret == "" {
		return nil, fmt.Errorf("credential secret cannot be empty")
	}

	return &Keyring{
		fingerprintKey: pbkdf2.Key([]byte(secret), []byte(fingerprintSalt), pbkdf2Iterations, keyLength, sha256.New),
		sealKey:        pbkdf2.Key([]byte(secret), []byte(sealSalt), pbkdf2Iterations, keyLength, sha256.New),
	}, nil
}

// Fingerprint returns the hex HMAC-SHA256 of credential. Equal credentials
// always map to the same fingerprint; the credential cannot be recovered
// from it without the secret.
func (k *Keyring) Fingerprint(credential string) (string, error) {
	if credential == "" {
		return "", ErrEmptyCredential
	}
	mac := hmac.New(sha256.New, k.fingerprintKey)
	mac.Write([]byte(credential))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Seal encrypts credential with AES-256-GCM. The nonce is prepended to the
// ciphertext and the result is base64 encoded.
func (k *Keyring) Seal(credential string) (string, error) {
	if credential == "" {
		return "", ErrEmptyCredential
	}

	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(credential), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (k *Keyring) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed credential: %w", err)
	}

	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("sealed credential too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (k *Keyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.sealKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// CredentialFromHeaders extracts the upstream credential from either an
// "Authorization: Bearer <key>" header or an "x-api-key" header.
func CredentialFromHeaders(authorization, apiKey string) string {
	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(apiKey)
}
