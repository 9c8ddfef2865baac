// Package cryptoprim exposes the cryptographic primitives the rest of the
// audit engine builds on: SHA-256, HMAC-SHA-256, PBKDF2-HMAC-SHA-256,
// AES-256-GCM, a CSPRNG, and constant-time comparison. Nothing here
// derives or stores keys; see pkg/keyhierarchy for that.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the default iteration count for master-key
	// derivation. Overridable by callers that need reproducibility against
	// a previously recorded iteration count.
	PBKDF2Iterations = 100_000
	SaltLength       = 32
	KeyLength        = 32
	NonceLength      = 12
	TagLength        = 16
)

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 returns the 32-byte HMAC-SHA-256 of msg under key.
func HMACSHA256(key, msg []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// PBKDF2HMACSHA256 derives a key of the requested length from password and
// salt using PBKDF2-HMAC-SHA-256 with the given iteration count.
func PBKDF2HMACSHA256(password, salt []byte, iterations, length int) []byte {
	return pbkdf2.Key(password, salt, iterations, length, sha256.New)
}

// CSPRNG returns n cryptographically secure random bytes.
func CSPRNG(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("cryptoprim: csprng: %w", err)
	}
	return b, nil
}

// CTEqual performs a constant-time comparison of two byte slices.
func CTEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// AESGCMEncrypt encrypts plaintext under key (must be 32 bytes) with a
// freshly drawn 12-byte nonce, binding aad as additional authenticated
// data. The 16-byte authentication tag is returned separately from the
// ciphertext, matching the spec's AuditCapsule field layout rather than
// the standard library's tag-appended convention.
func AESGCMEncrypt(key, plaintext, aad []byte) (ciphertext, nonce, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = CSPRNG(NonceLength)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagLength
	ciphertext = sealed[:split]
	tag = sealed[split:]
	return ciphertext, nonce, tag, nil
}

// AESGCMDecrypt decrypts ciphertext+tag under key, verifying aad.
func AESGCMDecrypt(key, ciphertext, nonce, tag, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceLength {
		return nil, fmt.Errorf("cryptoprim: nonce must be %d bytes, got %d", NonceLength, len(nonce))
	}
	if len(tag) != TagLength {
		return nil, fmt.Errorf("cryptoprim: tag must be %d bytes, got %d", TagLength, len(tag))
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aead open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("cryptoprim: key must be %d bytes, got %d", KeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: gcm: %w", err)
	}
	return gcm, nil
}
