package totp

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	// BackupCodeCount is the number of codes issued per activation.
	BackupCodeCount = 10
	// BackupCodeLength is the number of decimal digits per code.
	BackupCodeLength = 8
)

// Hasher hashes and verifies backup codes. password.Argon2 satisfies it.
type Hasher interface {
	Hash(code string) (string, error)
	Verify(code, encodedHash string) (bool, error)
}

// GenerateBackupCodes returns count codes of length random decimal digits.
func GenerateBackupCodes(count, length int) ([]string, error) {
	if count <= 0 || length <= 0 {
		return nil, errors.New("invalid backup code shape")
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomDigits(length)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// HashBackupCodes hashes every code independently, preserving order.
func HashBackupCodes(h Hasher, codes []string) ([]string, error) {
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, err := h.Hash(CanonicalBackupCode(code))
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// MatchBackupCode returns the index of the hash matching code. Malformed
// stored hashes are skipped rather than failing the whole lookup.
func MatchBackupCode(h Hasher, hashes []string, code string) (int, bool) {
	canonical := CanonicalBackupCode(code)
	if len(canonical) != BackupCodeLength || !isDigits(canonical) {
		return -1, false
	}
	for i, hash := range hashes {
		ok, err := h.Verify(canonical, hash)
		if err != nil {
			continue
		}
		if ok {
			return i, true
		}
	}
	return -1, false
}

// CanonicalBackupCode strips separators users commonly type.
func CanonicalBackupCode(code string) string {
	s := strings.TrimSpace(code)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func randomDigits(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
