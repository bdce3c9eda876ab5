package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AESKeySize is the AES-256 key length in bytes.
	AESKeySize = 32
	// SessionKeySize is the length of keys returned by DeriveSessionKey (HS512-sized).
	SessionKeySize = 64

	// TokenIterations is the PBKDF2 work factor for client-facing token blobs.
	TokenIterations = 100000
	// SecretIterations is the PBKDF2 work factor for TOTP secrets at rest.
	SecretIterations = 310000
)

// ErrInvalidInput is returned when a derivation input is empty or out of range.
var ErrInvalidInput = errors.New("invalid key derivation input")

// DeriveAESKey stretches passphrase with PBKDF2-HMAC-SHA256 and returns exactly
// AESKeySize bytes.
func DeriveAESKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if passphrase == "" || len(salt) == 0 || iterations <= 0 {
		return nil, ErrInvalidInput
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, AESKeySize, sha256.New)
	if len(key) != AESKeySize {
		resized := make([]byte, AESKeySize)
		copy(resized, key)
		return resized, nil
	}
	return key, nil
}

// DeriveSessionKey computes HMAC-SHA256(master, SHA-256(userID ‖ expiry)) and
// tiles the 32-byte MAC to SessionKeySize bytes. expiry is formatted as RFC 3339
// in UTC with second precision so the result is stable across time zones.
func DeriveSessionKey(master []byte, userID string, refreshExpiry time.Time) ([]byte, error) {
	if len(master) == 0 || userID == "" || refreshExpiry.IsZero() {
		return nil, ErrInvalidInput
	}

	digest := sha256.Sum256([]byte(userID + FormatExpiry(refreshExpiry)))

	mac := hmac.New(sha256.New, master)
	_, _ = mac.Write(digest[:])
	sum := mac.Sum(nil)

	out := make([]byte, SessionKeySize)
	for i := 0; i < SessionKeySize; i += len(sum) {
		copy(out[i:], sum)
	}
	return out, nil
}

// FormatExpiry is the canonical expiry rendering mixed into DeriveSessionKey.
func FormatExpiry(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
