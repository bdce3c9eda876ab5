package session

import "time"

// FingerprintSize is the length of a refresh fingerprint (HMAC-SHA512).
const FingerprintSize = 64

// Record is one issued token pair. A username may own many records, one per
// device or login.
type Record struct {
	ID       string
	Username string
	Label    string

	// AccessToken and RefreshToken hold the client-facing (sealed) tokens.
	AccessToken  string
	RefreshToken string

	AccessExpiry  time.Time
	RefreshExpiry time.Time

	RefreshFingerprint [FingerprintSize]byte
}

// Expired reports whether the refresh window of r has closed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.RefreshExpiry)
}

// AccessExpired reports whether the access token of r is no longer usable at now.
func (r *Record) AccessExpired(now time.Time) bool {
	return !now.Before(r.AccessExpiry)
}
