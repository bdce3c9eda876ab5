package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/totp"
)

func currentCode(t *testing.T, h *harness, b32 string) string {
	t.Helper()
	raw, err := totp.DecodeSecret(b32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return totp.Code(raw, totp.Counter(h.clock.Now()))
}

// wrongCode returns a well-formed code outside the current verification window.
func wrongCode(t *testing.T, h *harness, b32 string) string {
	t.Helper()
	raw, err := totp.DecodeSecret(b32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	base := totp.Counter(h.clock.Now())
	window := map[string]bool{
		totp.Code(raw, base-1): true,
		totp.Code(raw, base):   true,
		totp.Code(raw, base+1): true,
	}
	for _, c := range []string{"123456", "654321", "111111", "222222"} {
		if !window[c] {
			return c
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

// enroll activates a device for username and moves the clock to the next
// time step so the activation code cannot collide with later ones.
func enroll(t *testing.T, h *harness, username string) (TOTPSetup, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := h.engine.SetupTOTP(ctx, username, "phone")
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	codes, err := h.engine.VerifyTOTP(ctx, username, setup.DeviceID, currentCode(t, h, setup.Secret))
	if err != nil {
		t.Fatalf("verify totp: %v", err)
	}
	h.clock.Advance(totp.Period * time.Second)
	return setup, codes
}

func TestSetupTOTPReturnsProvisioning(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TOTP.QRSize = 128 })
	h.addUser(t, "alice")

	setup, err := h.engine.SetupTOTP(context.Background(), "alice", "phone")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/authcore:alice?secret="+setup.Secret) {
		t.Fatalf("unexpected uri %q", setup.URI)
	}
	if len(setup.QRCode) == 0 {
		t.Fatal("qr code not rendered")
	}

	enabled, err := h.engine.IsTOTPEnabled(context.Background(), "alice")
	if err != nil || enabled {
		t.Fatalf("pending device reported enabled: %v %v", enabled, err)
	}
	if _, err := h.engine.SetupTOTP(context.Background(), "nobody", "phone"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestVerifyTOTPActivation(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")
	ctx := context.Background()

	setup, err := h.engine.SetupTOTP(ctx, "alice", "phone")
	if err != nil {
		t.Fatal(err)
	}
	code := currentCode(t, h, setup.Secret)

	if _, err := h.engine.VerifyTOTP(ctx, "alice", "01UNKNOWN", code); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("unknown device: %v", err)
	}
	if _, err := h.engine.VerifyTOTP(ctx, "bob", setup.DeviceID, code); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("foreign device: %v", err)
	}
	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, "000000x"); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("bad code: %v", err)
	}

	codes, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, code)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(codes) != totp.BackupCodeCount {
		t.Fatalf("got %d backup codes", len(codes))
	}
	for _, c := range codes {
		if len(c) != totp.BackupCodeLength {
			t.Fatalf("backup code %q has wrong length", c)
		}
	}

	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, code); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second activation: %v", err)
	}
	if _, err := h.engine.SetupTOTP(ctx, "alice", "tablet"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("setup while active: %v", err)
	}
	if enabled, _ := h.engine.IsTOTPEnabled(ctx, "alice"); !enabled {
		t.Fatal("device not enabled after activation")
	}
}

func TestVerifyTOTPRejectsStaleCode(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	setup, err := h.engine.SetupTOTP(ctx, "alice", "phone")
	if err != nil {
		t.Fatal(err)
	}
	code := currentCode(t, h, setup.Secret)

	h.clock.Advance(61 * time.Second)
	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, code); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("code from 61s ago accepted: %v", err)
	}
	h.clock.Advance(-31 * time.Second)
	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, code); err != nil {
		t.Fatalf("code from previous step rejected: %v", err)
	}
}

func TestLoginRequiresSecondFactor(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, _ := enroll(t, h, "alice")

	req := LoginRequest{Username: "alice", Password: testPassword}
	if _, err := h.engine.Authenticate(ctx, req); !errors.Is(err, ErrTOTPRequired) {
		t.Fatalf("expected ErrTOTPRequired, got %v", err)
	}

	req.TOTPCode = wrongCode(t, h, setup.Secret)
	_, err := h.engine.Authenticate(ctx, req)
	var failure *AuthFailure
	if !errors.As(err, &failure) || failure.Reason != "totp_mismatch" {
		t.Fatalf("expected totp failure, got %v", err)
	}
	if err.Error() != ErrAuthenticationFailed.Error() {
		t.Fatalf("factor leaked in message: %q", err)
	}

	req.TOTPCode = currentCode(t, h, setup.Secret)
	if _, err := h.engine.Authenticate(ctx, req); err != nil {
		t.Fatalf("login with code: %v", err)
	}
	st, _ := h.engine.CheckLockout(ctx, "alice")
	if st.FailedCount != 0 {
		t.Fatalf("success did not reset failures: %+v", st)
	}

	if _, err := h.engine.Authenticate(ctx, req); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("replayed code accepted: %v", err)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricTOTPReplayRejected]; got != 1 {
		t.Fatalf("replay counter = %d", got)
	}
}

func TestWrongCodesCountTowardLockout(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	enroll(t, h, "alice")

	req := LoginRequest{Username: "alice", Password: testPassword, BackupCode: "00000000"}
	for i := 0; i < 2; i++ {
		if _, err := h.engine.Authenticate(ctx, req); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := h.engine.Authenticate(ctx, req); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected block on third failed code, got %v", err)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	_, codes := enroll(t, h, "alice")

	req := LoginRequest{Username: "alice", Password: testPassword, BackupCode: codes[0]}
	if _, err := h.engine.Authenticate(ctx, req); err != nil {
		t.Fatalf("login with backup code: %v", err)
	}
	if _, err := h.engine.Authenticate(ctx, req); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("backup code reused: %v", err)
	}

	if err := h.engine.VerifyBackupCode(ctx, "alice", codes[1]); err != nil {
		t.Fatalf("verify backup code: %v", err)
	}
	if err := h.engine.VerifyBackupCode(ctx, "alice", codes[1]); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("expected ErrTOTPMismatch on reuse, got %v", err)
	}

	devices, err := h.engine.ListTOTPDevices(ctx, "alice")
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices = %v, %v", devices, err)
	}
	if devices[0].BackupCodesRemaining != totp.BackupCodeCount-2 {
		t.Fatalf("remaining = %d", devices[0].BackupCodesRemaining)
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, old := enroll(t, h, "alice")

	if _, err := h.engine.RegenerateBackupCodes(ctx, "alice", wrongCode(t, h, setup.Secret)); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("expected ErrTOTPMismatch, got %v", err)
	}

	fresh, err := h.engine.RegenerateBackupCodes(ctx, "alice", currentCode(t, h, setup.Secret))
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != totp.BackupCodeCount {
		t.Fatalf("got %d codes", len(fresh))
	}
	if err := h.engine.VerifyBackupCode(ctx, "alice", old[0]); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("old code still valid: %v", err)
	}
	if err := h.engine.VerifyBackupCode(ctx, "alice", fresh[0]); err != nil {
		t.Fatalf("new code rejected: %v", err)
	}
}

func TestChangeTOTPDevice(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, _ := enroll(t, h, "alice")

	next, err := h.engine.ChangeTOTPDevice(ctx, "alice", currentCode(t, h, setup.Secret), "tablet")
	if err != nil {
		t.Fatalf("change device: %v", err)
	}
	if next.Secret == setup.Secret || next.DeviceName != "tablet" {
		t.Fatalf("unexpected setup %+v", next)
	}
	if enabled, _ := h.engine.IsTOTPEnabled(ctx, "alice"); enabled {
		t.Fatal("old device still active")
	}

	// Same time step as the code that authorised the change.
	if _, err := h.engine.VerifyTOTP(ctx, "alice", next.DeviceID, currentCode(t, h, next.Secret)); err != nil {
		t.Fatalf("activate replacement: %v", err)
	}
	devices, _ := h.engine.ListTOTPDevices(ctx, "alice")
	if len(devices) != 1 || devices[0].ID != next.DeviceID || !devices[0].Active {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestRemoveAndRenameTOTPDevice(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, codes := enroll(t, h, "alice")

	if err := h.engine.RenameTOTPDevice(ctx, "alice", setup.DeviceID, "work phone"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	devices, _ := h.engine.ListTOTPDevices(ctx, "alice")
	if devices[0].DeviceName != "work phone" {
		t.Fatalf("name = %q", devices[0].DeviceName)
	}

	if err := h.engine.RemoveTOTPDevice(ctx, "alice", setup.DeviceID, "12345678"); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("expected ErrTOTPMismatch, got %v", err)
	}
	if err := h.engine.RemoveTOTPDevice(ctx, "alice", setup.DeviceID, codes[0]); err != nil {
		t.Fatalf("remove with backup code: %v", err)
	}
	if enabled, _ := h.engine.IsTOTPEnabled(ctx, "alice"); enabled {
		t.Fatal("device still enabled")
	}
	if err := h.engine.RemoveTOTPDevice(ctx, "alice", setup.DeviceID, ""); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestResetTOTP(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	enroll(t, h, "alice")

	n, err := h.engine.ResetTOTP(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	h.login(t, "alice")
}

func TestCodeChecksOutsideLoginCountTowardLockout(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, codes := enroll(t, h, "alice")

	for i := 0; i < 2; i++ {
		if err := h.engine.VerifyBackupCode(ctx, "alice", "00000000"); !errors.Is(err, ErrTOTPMismatch) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := h.engine.VerifyBackupCode(ctx, "alice", "00000000"); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected block on third wrong backup code, got %v", err)
	}
	st, err := h.engine.CheckLockout(ctx, "alice")
	if err != nil || !st.Blocked || st.FailedCount != 3 {
		t.Fatalf("lockout status = %+v, %v", st, err)
	}

	// A blocked account is refused before any code is looked at.
	if err := h.engine.VerifyBackupCode(ctx, "alice", codes[0]); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("valid backup code on blocked account: %v", err)
	}
	if _, err := h.engine.RegenerateBackupCodes(ctx, "alice", currentCode(t, h, setup.Secret)); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("regenerate on blocked account: %v", err)
	}
	if _, err := h.engine.Authenticate(ctx, LoginRequest{Username: "alice", Password: testPassword, BackupCode: codes[0]}); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("login on blocked account: %v", err)
	}
	devices, err := h.engine.ListTOTPDevices(ctx, "alice")
	if err != nil || devices[0].BackupCodesRemaining != totp.BackupCodeCount {
		t.Fatalf("blocked checks consumed a code: %v, %v", devices, err)
	}

	if _, err := h.engine.Unlock(ctx, "alice"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := h.engine.VerifyBackupCode(ctx, "alice", codes[0]); err != nil {
		t.Fatalf("backup code after unlock: %v", err)
	}
}

func TestDeviceCodeMismatchesShareLockoutCount(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, _ := enroll(t, h, "alice")
	wrong := wrongCode(t, h, setup.Secret)

	if err := h.engine.RemoveTOTPDevice(ctx, "alice", setup.DeviceID, wrong); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("remove with wrong code: %v", err)
	}
	if _, err := h.engine.RegenerateBackupCodes(ctx, "alice", wrong); !errors.Is(err, ErrTOTPMismatch) {
		t.Fatalf("regenerate with wrong code: %v", err)
	}
	if _, err := h.engine.ChangeTOTPDevice(ctx, "alice", wrong, "tablet"); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected block on third wrong device code, got %v", err)
	}
	if enabled, _ := h.engine.IsTOTPEnabled(ctx, "alice"); !enabled {
		t.Fatal("blocked change removed the device")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricAccountLocked]; got != 1 {
		t.Fatalf("account_locked = %d", got)
	}
}

func TestVerifyTOTPMismatchCountsTowardLockout(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	setup, err := h.engine.SetupTOTP(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	wrong := wrongCode(t, h, setup.Secret)
	for i := 0; i < 2; i++ {
		if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, wrong); !errors.Is(err, ErrTOTPMismatch) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, wrong); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected block, got %v", err)
	}
	if _, err := h.engine.VerifyTOTP(ctx, "alice", setup.DeviceID, currentCode(t, h, setup.Secret)); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("blocked account activated a device: %v", err)
	}
}
