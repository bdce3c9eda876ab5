package flows

import (
	"context"
	"crypto/hmac"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
)

// RefreshFailureKind classifies refresh failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureReuse
	RefreshFailureMismatch
	RefreshFailureBlocked
	RefreshFailureStore
	RefreshFailureIssue
)

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	Username  string
	SessionID string
	Tokens    Tokens
}

// RefreshDeps captures refresh rotation dependencies.
type RefreshDeps struct {
	OpenToken      TokenOpener
	Lock           func(username string) (unlock func())
	Now            func() time.Time
	Sessions       SessionStore
	Fingerprint    func(userID string, refreshExpiry time.Time, raw string) ([session.FingerprintSize]byte, error)
	FindCredential func(context.Context, string) (store.Credential, error)
	// IssueLocked issues a new pair; the username lock is already held.
	IssueLocked func(ctx context.Context, cred store.Credential, label string) (Tokens, error)
}

// RunRefresh rotates the session of a refresh token under the owner's lock.
// The old record is removed before the new pair is issued, so only one of
// several concurrent rotations of the same token can succeed.
func RunRefresh(ctx context.Context, sealed string, deps RefreshDeps) RefreshResult {
	raw, claims, err := deps.OpenToken(sealed)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}
	res := RefreshResult{Username: claims.Subject, SessionID: claims.ID}

	unlock := deps.Lock(claims.Subject)
	defer unlock()

	rec, err := deps.Sessions.Get(ctx, claims.ID)
	if err != nil {
		res.Err = err
		res.Failure = RefreshFailureStore
		if errors.Is(err, session.ErrNotFound) {
			res.Failure = RefreshFailureReuse
		}
		return res
	}
	if rec.Username != claims.Subject || rec.Expired(deps.Now()) ||
		claims.ExpiresAt == nil || claims.ExpiresAt.Unix() != rec.RefreshExpiry.Unix() {
		res.Failure = RefreshFailureMismatch
		return res
	}

	fp, err := deps.Fingerprint(claims.UserID, rec.RefreshExpiry, raw)
	if err != nil || !hmac.Equal(fp[:], rec.RefreshFingerprint[:]) {
		res.Failure = RefreshFailureMismatch
		return res
	}

	existed, err := deps.Sessions.Delete(ctx, rec.ID)
	if err != nil {
		res.Failure, res.Err = RefreshFailureStore, err
		return res
	}
	if !existed {
		res.Failure = RefreshFailureReuse
		return res
	}

	cred, err := deps.FindCredential(ctx, rec.Username)
	if err != nil {
		res.Failure, res.Err = RefreshFailureStore, err
		if errors.Is(err, store.ErrNotFound) {
			res.Failure = RefreshFailureMismatch
		}
		return res
	}
	if cred.Blocked {
		res.Failure = RefreshFailureBlocked
		return res
	}

	tokens, err := deps.IssueLocked(ctx, cred, rec.Label)
	if err != nil {
		res.Failure, res.Err = RefreshFailureIssue, err
		return res
	}
	res.Tokens = tokens
	return res
}
