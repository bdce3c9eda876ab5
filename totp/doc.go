// Package totp implements RFC 4226 HOTP and RFC 6238 TOTP codes, otpauth://
// provisioning URIs and single-use backup codes.
//
// The algorithm is fixed to HMAC-SHA1, six digits and a 30 second period,
// which is what authenticator apps assume when the URI parameters are
// ignored. Verification accepts the current step and one step either side.
//
// # What this package must NOT do
//
//   - Persist secrets or backup codes; callers store what [Manager] returns.
//   - Encrypt secrets; sealing at rest is the caller's concern.
package totp
