package authcore

import (
	"time"

	"github.com/MrEthical07/authcore/store"
)

// LoginRequest carries one authentication attempt. Password is ignored by
// AuthenticateVerified. At most one of TOTPCode and BackupCode is used;
// TOTPCode wins when both are set.
type LoginRequest struct {
	Username   string
	Password   string
	TOTPCode   string
	BackupCode string
	// Label tags the created session, e.g. a device name.
	Label string
}

// TokenPair is what a successful login or refresh hands to the client. Both
// tokens are sealed blobs; the raw JWTs never leave the Engine.
type TokenPair struct {
	SessionID     string
	Username      string
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// Session is the validated view of an access token.
type Session struct {
	ID            string
	Username      string
	UserID        string
	Scope         string
	Label         string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// SessionInfo describes one live session of a user without its tokens.
type SessionInfo struct {
	ID            string
	Label         string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// TOTPSetup is returned once at enrolment. Secret is the base32 seed and is
// never retrievable again.
type TOTPSetup struct {
	DeviceID   string
	DeviceName string
	Secret     string
	URI        string
	// QRCode is a PNG rendering of URI; nil when QR rendering is disabled.
	QRCode []byte
}

// TOTPDevice describes an enrolled or pending authenticator.
type TOTPDevice struct {
	ID                   string
	DeviceName           string
	CreatedAt            time.Time
	Active               bool
	BackupCodesRemaining int
}

// TOTPResetRequest is a user's request for an administrator to remove every
// TOTP device of their account.
type TOTPResetRequest struct {
	ID        string
	Username  string
	Email     string
	Status    store.ResetStatus
	Notes     string
	CreatedAt time.Time
	// ResolvedAt and ResolvedBy are zero while the request is pending.
	ResolvedAt time.Time
	ResolvedBy string
}

// LockoutStatus is the persisted lockout state of an account.
type LockoutStatus struct {
	FailedCount int
	Blocked     bool
	Remaining   int
}
