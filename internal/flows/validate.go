package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureUnauthorized
	ValidateFailureSessionNotFound
	ValidateFailureMismatch
	ValidateFailureStore
)

// ValidateResult returns the claims and live session, or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.Claims
	Session *session.Record
}

// ValidateDeps captures access validation dependencies.
type ValidateDeps struct {
	OpenToken TokenOpener
	Sessions  SessionReader
}

// RunValidate checks an access token and requires its session to be live.
// A refresh token of the same pair fails because its expiry differs from the
// session's access expiry.
func RunValidate(ctx context.Context, sealed string, deps ValidateDeps) ValidateResult {
	_, claims, err := deps.OpenToken(sealed)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureUnauthorized, Err: err}
	}

	rec, err := deps.Sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ValidateResult{Failure: ValidateFailureSessionNotFound, Err: err}
		}
		return ValidateResult{Failure: ValidateFailureStore, Err: err}
	}
	if rec.Username != claims.Subject || claims.ExpiresAt == nil ||
		claims.ExpiresAt.Unix() != rec.AccessExpiry.Unix() {
		return ValidateResult{Failure: ValidateFailureMismatch}
	}
	return ValidateResult{Claims: claims, Session: rec}
}
