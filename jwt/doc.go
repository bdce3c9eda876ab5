// Package jwt issues and verifies HS512 access/refresh token pairs.
//
// Both tokens of a pair carry the same claim set (sub, userId, iss, iat, exp,
// jti, scope) and the same jti; only exp differs. The refresh lifetime is
// AccessTTL × (1 + RefreshSurplus). Verification accepts HS512 only and
// requires the configured issuer and an unexpired exp. Every failure is
// reported as [ErrInvalidToken].
package jwt
