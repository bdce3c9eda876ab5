package authcore

import (
	"errors"

	"github.com/MrEthical07/authcore/lockout"
)

var (
	// ErrInvalidToken covers bad signatures, expiry, malformed input and
	// tokens whose session is no longer on the allow-list.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakKey is fatal at startup: key material is missing or too short.
	ErrWeakKey = errors.New("weak or missing key")
	// ErrDecryptionFailure is returned for bad ciphertext, tag or encoding.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrTOTPMismatch is returned when neither a time-window code nor a backup
	// code matched, or the code was already used.
	ErrTOTPMismatch = errors.New("totp code mismatch")
	// ErrAlreadyActive is returned when activating an active device, or
	// enrolling while one is active.
	ErrAlreadyActive = errors.New("totp device already active")
	// ErrResourceNotFound is returned for unknown devices or accounts on
	// management operations.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrAccountBlocked is returned once the lockout threshold is reached.
	ErrAccountBlocked = errors.New("account blocked")
	// ErrAuthenticationFailed is the only failure callers see for a rejected
	// login, whichever factor failed.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTOTPRequired is returned when the password was correct but the
	// account has an active device and no second factor was supplied.
	ErrTOTPRequired = errors.New("totp required")
	// ErrTOTPNotEnabled is returned when a TOTP reset is requested for an
	// account without an active device.
	ErrTOTPNotEnabled = errors.New("totp not enabled")
	// ErrResetPending is returned when the account already has an open TOTP
	// reset request.
	ErrResetPending = errors.New("totp reset already requested")
	// ErrResetResolved is returned when approving or rejecting a request
	// that was already resolved.
	ErrResetResolved = errors.New("totp reset request already resolved")
	// ErrEngineNotReady is returned by methods on a nil or partially built Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrStoreUnavailable wraps failures of Redis or the credential database.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// AuthFailure records which factor rejected a login. Its message is always
// the generic ErrAuthenticationFailed text so that callers cannot tell a
// wrong password from a wrong code or an unknown user.
type AuthFailure struct {
	Factor lockout.Factor
	// Reason is a short internal tag for logs, e.g. "unknown_user".
	Reason string
}

func (f *AuthFailure) Error() string { return ErrAuthenticationFailed.Error() }

// Is matches ErrAuthenticationFailed.
func (f *AuthFailure) Is(target error) bool { return target == ErrAuthenticationFailed }

func authFailure(factor lockout.Factor, reason string) error {
	return &AuthFailure{Factor: factor, Reason: reason}
}
