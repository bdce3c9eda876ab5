package totp

import (
	"testing"

	"github.com/MrEthical07/authcore/password"
)

func backupHasher(t *testing.T) *password.Argon2 {
	t.Helper()
	h, err := password.NewArgon2(password.BackupCodeConfig())
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	return h
}

func TestGenerateBackupCodesShape(t *testing.T) {
	codes, err := GenerateBackupCodes(BackupCodeCount, BackupCodeLength)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(codes) != BackupCodeCount {
		t.Fatalf("expected %d codes, got %d", BackupCodeCount, len(codes))
	}
	for _, code := range codes {
		if len(code) != BackupCodeLength || !isDigits(code) {
			t.Fatalf("malformed backup code %q", code)
		}
	}
	if _, err := GenerateBackupCodes(0, 8); err == nil {
		t.Fatal("expected error for zero count")
	}
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	h := backupHasher(t)
	codes, err := GenerateBackupCodes(BackupCodeCount, BackupCodeLength)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hashes, err := HashBackupCodes(h, codes)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	for _, code := range codes {
		idx, ok := MatchBackupCode(h, hashes, code)
		if !ok {
			t.Fatalf("code %s must match once", code)
		}
		hashes = append(hashes[:idx], hashes[idx+1:]...)
		if _, ok := MatchBackupCode(h, hashes, code); ok {
			t.Fatalf("code %s must not match twice", code)
		}
	}
	if len(hashes) != 0 {
		t.Fatalf("expected every hash consumed, %d left", len(hashes))
	}
}

func TestMatchBackupCodeCanonicalisesAndSkipsBadHashes(t *testing.T) {
	h := backupHasher(t)
	hashes, err := HashBackupCodes(h, []string{"12345678"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hashes = append([]string{"not-a-phc-hash"}, hashes...)

	idx, ok := MatchBackupCode(h, hashes, " 1234-5678 ")
	if !ok || idx != 1 {
		t.Fatalf("expected match at index 1, got idx=%d ok=%v", idx, ok)
	}
	if _, ok := MatchBackupCode(h, hashes, "1234567"); ok {
		t.Fatal("short code must not match")
	}
	if _, ok := MatchBackupCode(h, hashes, "abcdefgh"); ok {
		t.Fatal("non-digit code must not match")
	}
}
