package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/session"
)

// LogoutFailureKind classifies logout failures for root-level mapping.
type LogoutFailureKind int

const (
	LogoutFailureNone LogoutFailureKind = iota
	LogoutFailureUnauthorized
	LogoutFailureMismatch
	LogoutFailureStore
)

// LogoutResult reports whether a session was removed.
type LogoutResult struct {
	Failure   LogoutFailureKind
	Err       error
	Username  string
	SessionID string
	Removed   bool
}

// LogoutDeps captures logout dependencies.
type LogoutDeps struct {
	OpenToken TokenOpener
	Lock      func(username string) (unlock func())
	Sessions  SessionStore
}

// RunLogout removes the session of an access or refresh token. A session
// that is already gone is not a failure.
func RunLogout(ctx context.Context, sealed string, deps LogoutDeps) LogoutResult {
	_, claims, err := deps.OpenToken(sealed)
	if err != nil {
		return LogoutResult{Failure: LogoutFailureUnauthorized, Err: err}
	}
	res := LogoutResult{Username: claims.Subject, SessionID: claims.ID}

	unlock := deps.Lock(claims.Subject)
	defer unlock()

	rec, err := deps.Sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return res
		}
		res.Failure, res.Err = LogoutFailureStore, err
		return res
	}
	if rec.Username != claims.Subject {
		res.Failure = LogoutFailureMismatch
		return res
	}

	removed, err := deps.Sessions.Delete(ctx, claims.ID)
	if err != nil {
		res.Failure, res.Err = LogoutFailureStore, err
		return res
	}
	res.Removed = removed
	return res
}
