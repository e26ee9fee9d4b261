package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 12 // standard GCM nonce length

// DeriveKey derives a 32-byte AES-256 key from the configured secret using SHA-256.
func DeriveKey(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// EncryptSecrets returns a copy of values with every value encrypted and
// base64-encoded, ready to persist inside the config JSON.
func EncryptSecrets(values map[string]string, key []byte) (map[string]string, error) {
	if len(values) == 0 {
		return values, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		ct, err := encrypt([]byte(v), key)
		if err != nil {
			return nil, fmt.Errorf("encrypt secret %s: %w", k, err)
		}
		out[k] = base64.StdEncoding.EncodeToString(ct)
	}
	return out, nil
}

// DecryptSecrets reverses EncryptSecrets when building the wrapper environment.
func DecryptSecrets(values map[string]string, key []byte) (map[string]string, error) {
	if len(values) == 0 {
		return values, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		ct, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode secret %s: %w", k, err)
		}
		pt, err := decrypt(ct, key)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", k, err)
		}
		out[k] = string(pt)
	}
	return out, nil
}

// encrypt encrypts plaintext with AES-256-GCM using the given key.
// The 12-byte nonce is prepended to the ciphertext.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}

	// nonce is prepended to ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts ciphertext produced by encrypt (nonce || ciphertext).
func decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}

	return plaintext, nil
}
