// Package authcore is the authentication core of a multi-user backend. It
// verifies passwords and TOTP second factors, issues sealed JWT access and
// refresh pairs, rotates and revokes them, and locks accounts out after
// repeated failures.
//
// Construct an [Engine] with [New] and [Builder.Build]. Engine methods are
// safe for concurrent use.
//
// # Tokens
//
// Access and refresh tokens are HS512 JWTs sharing one jti. Both are sealed
// with AES-256-GCM before they leave the Engine; callers only ever hold the
// sealed blobs. Every issued pair is recorded in a Redis allow-list keyed by
// jti, so [Engine.ValidateAccess] rejects a token as soon as its session is
// logged out, rotated or revoked by a lockout.
//
// A refresh token is single-use. [Engine.Refresh] compares an HMAC-SHA512
// fingerprint of the presented token, keyed with a per-session derived key,
// against the stored record, deletes the record and issues a new pair.
//
// # Lockout
//
// Each rejected factor (password, TOTP code or backup code) is counted once,
// whether it was given to a login or to a device management method. When the
// persisted count reaches the threshold the account is blocked and all its
// sessions are removed. A blocked account is refused before any code is
// checked. Callers only ever see
// [ErrAuthenticationFailed] or [ErrAccountBlocked]; the failing factor is
// available through [AuthFailure] for logging.
//
// # TOTP recovery
//
// A user who lost their authenticator files [Engine.RequestTOTPReset]; an
// administrator resolves it with [Engine.ApproveTOTPReset], which removes
// every device, or [Engine.RejectTOTPReset].
//
// # Errors
//
// Engine methods return the sentinels declared in errors.go, possibly
// wrapped. Test with errors.Is.
package authcore
