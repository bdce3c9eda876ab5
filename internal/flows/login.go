package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/store"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureUnknownUser
	LoginFailureNotFound
	LoginFailureBlocked
	LoginFailurePassword
	LoginFailureSecondFactor
	LoginFailureStore
	LoginFailureIssue
)

// LoginInput is one login attempt. CheckPassword is false when the first
// factor was verified by someone else.
type LoginInput struct {
	Username      string
	Password      string
	TOTPCode      string
	BackupCode    string
	Label         string
	CheckPassword bool
}

// LoginResult carries either the issued tokens or a classified failure.
type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	Tokens  Tokens
	// Revoked counts sessions removed when a success lifted a block.
	Revoked int
}

// LoginErrors carries the host sentinels a login can end with.
type LoginErrors struct {
	NotFound error
	Blocked  error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	PurgeOnLogin   bool
	UpgradeOnLogin bool

	Purge          func(context.Context) error
	FindCredential func(context.Context, string) (store.Credential, error)
	VerifyPassword func(plain, hash string) (bool, error)
	// BurnPassword spends one password verification on a throwaway hash so
	// refused attempts cost the same as real ones.
	BurnPassword func(plain string)
	SecondFactor func(ctx context.Context, username, code, backupCode string) error
	// RecordFailure counts a rejected factor and returns the error to report.
	RecordFailure func(ctx context.Context, factor lockout.Factor, reason string) error
	RecordSuccess func(context.Context) (int, error)
	Rehash        func(context.Context, store.Credential, string)
	Issue         func(ctx context.Context, username, label string) (Tokens, error)

	StoreUnavailable func(error) error
	Warn             func(msg string, err error)

	Errors LoginErrors
}

// RunLogin checks the first factor, the second factor of an enrolled account
// and the lockout state, then issues a session.
func RunLogin(ctx context.Context, in LoginInput, deps LoginDeps) LoginResult {
	if deps.Warn == nil {
		deps.Warn = func(string, error) {}
	}

	if in.CheckPassword && deps.PurgeOnLogin && deps.Purge != nil {
		if err := deps.Purge(ctx); err != nil {
			deps.Warn("expired session purge failed", err)
		}
	}

	cred, err := deps.FindCredential(ctx, in.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return LoginResult{Failure: LoginFailureStore, Err: deps.StoreUnavailable(err)}
		}
		if !in.CheckPassword {
			return LoginResult{Failure: LoginFailureNotFound, Err: deps.Errors.NotFound}
		}
		deps.BurnPassword(in.Password)
		return LoginResult{
			Failure: LoginFailureUnknownUser,
			Err:     deps.RecordFailure(ctx, lockout.FactorPassword, "unknown_user"),
		}
	}

	if cred.Blocked {
		if in.CheckPassword {
			deps.BurnPassword(in.Password)
		}
		return LoginResult{Failure: LoginFailureBlocked, Err: deps.Errors.Blocked}
	}

	if in.CheckPassword {
		ok, err := deps.VerifyPassword(in.Password, cred.PasswordHash)
		if err != nil {
			deps.Warn("stored password hash unreadable", err)
		}
		if !ok {
			return LoginResult{
				Failure: LoginFailurePassword,
				Err:     deps.RecordFailure(ctx, lockout.FactorPassword, "password_mismatch"),
			}
		}
	}

	if err := deps.SecondFactor(ctx, cred.Username, in.TOTPCode, in.BackupCode); err != nil {
		return LoginResult{Failure: LoginFailureSecondFactor, Err: err}
	}

	revoked, err := deps.RecordSuccess(ctx)
	if err != nil {
		return LoginResult{Failure: LoginFailureStore, Err: deps.StoreUnavailable(err)}
	}

	if in.CheckPassword && deps.UpgradeOnLogin && deps.Rehash != nil {
		deps.Rehash(ctx, cred, in.Password)
	}

	tokens, err := deps.Issue(ctx, cred.Username, in.Label)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssue, Err: err, Revoked: revoked}
	}
	return LoginResult{Tokens: tokens, Revoked: revoked}
}
