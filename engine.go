package authcore

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"fmt"
	"time"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/keylock"
	"github.com/MrEthical07/authcore/internal/replay"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/keys"
	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/seal"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/totp"
	"go.uber.org/zap"
)

// Engine authenticates users, issues and rotates sealed token pairs, and
// manages TOTP devices. It is safe for concurrent use once built.
type Engine struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	signingKey []byte
	tokens     *jwt.Manager
	sealer     *seal.Sealer
	sessions   *session.Store
	guard      *lockout.Guard

	credentials store.Credentials
	totpSecrets store.TOTPSecrets
	resets      store.TOTPResetRequests
	replay      *replay.Ledger
	totp        *totp.Manager

	passwords    *password.Argon2
	backupHasher *password.Argon2
	dummyHash    string

	// locks serialises issue, refresh, revoke and block per username.
	locks   keylock.Map
	flows   internalflows.Deps
	metrics *Metrics
}

// flowDeps wires the request flows to e. It is called once by Build.
func (e *Engine) flowDeps() internalflows.Deps {
	lock := func(username string) func() { return e.locks.Lock(username) }
	issueLocked := func(ctx context.Context, cred store.Credential, label string) (internalflows.Tokens, error) {
		pair, err := e.issueLocked(ctx, cred, label)
		return flowTokens(pair), err
	}
	return internalflows.Deps{
		Refresh: internalflows.RefreshDeps{
			OpenToken:      e.openToken,
			Lock:           lock,
			Now:            e.now,
			Sessions:       e.sessions,
			Fingerprint:    e.fingerprint,
			FindCredential: e.credentials.FindByUsername,
			IssueLocked:    issueLocked,
		},
		Validate: internalflows.ValidateDeps{
			OpenToken: e.openToken,
			Sessions:  e.sessions,
		},
		Logout: internalflows.LogoutDeps{
			OpenToken: e.openToken,
			Lock:      lock,
			Sessions:  e.sessions,
		},
	}
}

func flowTokens(p TokenPair) internalflows.Tokens {
	return internalflows.Tokens(p)
}

func tokenPair(t internalflows.Tokens) TokenPair {
	return TokenPair(t)
}

func (e *Engine) ready() bool {
	return e != nil && e.tokens != nil && e.sealer != nil && e.sessions != nil && e.guard != nil
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return e.metrics.Snapshot()
}

// Authenticate verifies a password login. When the account has an active
// TOTP device, req must also carry a TOTP or backup code; without one the
// call fails with ErrTOTPRequired and nothing is counted.
//
// Every rejected factor is counted by the lockout guard and reported as
// ErrAuthenticationFailed, or ErrAccountBlocked once the threshold is hit.
func (e *Engine) Authenticate(ctx context.Context, req LoginRequest) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}
	return e.login(ctx, req, true)
}

// AuthenticateVerified logs in a username whose first factor was verified
// elsewhere, e.g. by an OAuth provider. The second factor and lockout rules
// still apply. An unknown username returns ErrResourceNotFound.
func (e *Engine) AuthenticateVerified(ctx context.Context, req LoginRequest) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}
	return e.login(ctx, req, false)
}

func (e *Engine) login(ctx context.Context, req LoginRequest, checkPassword bool) (TokenPair, error) {
	id := lockout.Identity{Username: req.Username, SourceAddr: sourceAddrFromContext(ctx)}

	res := internalflows.RunLogin(ctx, internalflows.LoginInput{
		Username:      req.Username,
		Password:      req.Password,
		TOTPCode:      req.TOTPCode,
		BackupCode:    req.BackupCode,
		Label:         req.Label,
		CheckPassword: checkPassword,
	}, e.loginFlowDeps(id))

	if res.Revoked > 0 {
		e.metrics.Add(MetricSessionRevoked, uint64(res.Revoked))
	}
	switch res.Failure {
	case internalflows.LoginFailureNone:
	case internalflows.LoginFailureBlocked:
		e.metrics.Inc(MetricLoginBlocked)
		e.logger.Warn("login refused for blocked account", zap.String("username", req.Username))
		return TokenPair{}, res.Err
	default:
		return TokenPair{}, res.Err
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.logger.Debug("login succeeded",
		zap.String("username", res.Tokens.Username),
		zap.String("session_id", res.Tokens.SessionID),
	)
	return tokenPair(res.Tokens), nil
}

func (e *Engine) loginFlowDeps(id lockout.Identity) internalflows.LoginDeps {
	return internalflows.LoginDeps{
		PurgeOnLogin:   e.config.Session.PurgeOnLogin,
		UpgradeOnLogin: e.config.Password.UpgradeOnLogin,
		Purge: func(ctx context.Context) error {
			_, err := e.purge(ctx)
			return err
		},
		FindCredential: e.credentials.FindByUsername,
		VerifyPassword: e.passwords.Verify,
		BurnPassword: func(plain string) {
			_, _ = e.passwords.Verify(plain, e.dummyHash)
		},
		SecondFactor: func(ctx context.Context, _ string, code, backupCode string) error {
			return e.secondFactor(ctx, id, code, backupCode)
		},
		RecordFailure: func(ctx context.Context, factor lockout.Factor, reason string) error {
			return e.recordFailure(ctx, id, factor, reason)
		},
		RecordSuccess: func(ctx context.Context) (int, error) {
			return e.guard.RecordSuccess(ctx, id)
		},
		Rehash: e.rehash,
		Issue: func(ctx context.Context, username, label string) (internalflows.Tokens, error) {
			pair, err := e.issue(ctx, username, label)
			return flowTokens(pair), err
		},
		StoreUnavailable: storeUnavailable,
		Warn: func(msg string, err error) {
			e.logger.Warn(msg, zap.String("username", id.Username), zap.Error(err))
		},
		Errors: internalflows.LoginErrors{
			NotFound: ErrResourceNotFound,
			Blocked:  ErrAccountBlocked,
		},
	}
}

// secondFactor enforces the active TOTP device of id, if any. It prefers
// code over backupCode when both are set.
func (e *Engine) secondFactor(ctx context.Context, id lockout.Identity, code, backupCode string) error {
	secret, err := e.totpSecrets.ActiveSecret(ctx, id.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return storeUnavailable(err)
	}

	switch {
	case code != "":
		ok, err := e.checkTOTP(ctx, secret, code)
		if err != nil {
			return err
		}
		if !ok {
			return e.recordFailure(ctx, id, lockout.FactorTOTP, "totp_mismatch")
		}
	case backupCode != "":
		ok, err := e.consumeBackupCode(ctx, secret, backupCode)
		if err != nil {
			return err
		}
		if !ok {
			return e.recordFailure(ctx, id, lockout.FactorBackupCode, "backup_code_mismatch")
		}
	default:
		e.metrics.Inc(MetricTOTPRequired)
		return ErrTOTPRequired
	}
	return nil
}

// recordFailure counts one failed factor and returns the error the caller
// should see.
func (e *Engine) recordFailure(ctx context.Context, id lockout.Identity, factor lockout.Factor, reason string) error {
	e.metrics.Inc(MetricLoginFailure)

	unlock := e.locks.Lock(id.Username)
	out, err := e.guard.RecordFailure(ctx, id, factor)
	unlock()
	if err != nil {
		return storeUnavailable(err)
	}

	if out.Revoked > 0 {
		e.metrics.Add(MetricSessionRevoked, uint64(out.Revoked))
	}
	if out.JustBlocked {
		e.metrics.Inc(MetricAccountLocked)
	}
	if out.Blocked {
		return ErrAccountBlocked
	}
	// Unknown usernames look blocked at the same point as real ones.
	if !out.KnownAccount && out.FailedCount >= e.guard.Threshold() {
		return ErrAccountBlocked
	}
	return authFailure(factor, reason)
}

// rejectCode counts a second factor that failed outside login. The caller
// sees ErrTOTPMismatch until the account blocks.
func (e *Engine) rejectCode(ctx context.Context, username string, factor lockout.Factor, reason string) error {
	id := lockout.Identity{Username: username, SourceAddr: sourceAddrFromContext(ctx)}
	err := e.recordFailure(ctx, id, factor, reason)
	if errors.Is(err, ErrAuthenticationFailed) {
		return ErrTOTPMismatch
	}
	return err
}

// refuseBlocked fails with ErrAccountBlocked before any code of a blocked
// account is checked, so a blocked account cannot be used to test codes.
func (e *Engine) refuseBlocked(ctx context.Context, username string) error {
	blocked, err := e.guard.IsBlocked(ctx, lockout.Identity{Username: username})
	if err != nil {
		return storeUnavailable(err)
	}
	if blocked {
		e.metrics.Inc(MetricLoginBlocked)
		return ErrAccountBlocked
	}
	return nil
}

// HashPassword returns the Argon2id PHC string for plain under the
// configured cost, for storing new or changed credentials.
func (e *Engine) HashPassword(plain string) (string, error) {
	if !e.ready() || e.passwords == nil {
		return "", ErrEngineNotReady
	}
	return e.passwords.Hash(plain)
}

func (e *Engine) rehash(ctx context.Context, cred store.Credential, plain string) {
	upgrade, err := e.passwords.NeedsUpgrade(cred.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	hash, err := e.passwords.Hash(plain)
	if err != nil {
		e.logger.Warn("password rehash failed", zap.String("username", cred.Username), zap.Error(err))
		return
	}
	if err := e.credentials.UpdatePasswordHash(ctx, cred.Username, hash); err != nil {
		e.logger.Warn("password rehash not stored", zap.String("username", cred.Username), zap.Error(err))
		return
	}
	e.metrics.Inc(MetricPasswordRehashed)
}

// issue re-reads the credential under the per-user lock so that a block
// recorded concurrently wins over a login that already passed its checks.
func (e *Engine) issue(ctx context.Context, username, label string) (TokenPair, error) {
	unlock := e.locks.Lock(username)
	defer unlock()

	cred, err := e.credentials.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, authFailure(lockout.FactorUnknown, "credential_vanished")
		}
		return TokenPair{}, storeUnavailable(err)
	}
	if cred.Blocked {
		return TokenPair{}, ErrAccountBlocked
	}
	return e.issueLocked(ctx, cred, label)
}

// issueLocked must be called with the username lock held.
func (e *Engine) issueLocked(ctx context.Context, cred store.Credential, label string) (TokenPair, error) {
	roles := make([]jwt.Role, 0, len(cred.Roles))
	for _, r := range cred.Roles {
		roles = append(roles, jwt.Role{Name: r.Name, Permissions: r.Permissions})
	}

	pair, err := e.tokens.Issue(cred.Username, cred.UserID, jwt.BuildScope(roles))
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	fp, err := e.fingerprint(cred.UserID, pair.RefreshExpiry, pair.RefreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh fingerprint: %w", err)
	}
	access, err := e.sealer.SealToken(pair.AccessToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := e.sealer.SealToken(pair.RefreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("seal refresh token: %w", err)
	}

	rec := &session.Record{
		ID:                 pair.ID,
		Username:           cred.Username,
		Label:              label,
		AccessToken:        access,
		RefreshToken:       refresh,
		AccessExpiry:       pair.AccessExpiry,
		RefreshExpiry:      pair.RefreshExpiry,
		RefreshFingerprint: fp,
	}
	if err := e.sessions.Save(ctx, rec); err != nil {
		return TokenPair{}, storeUnavailable(err)
	}
	e.metrics.Inc(MetricSessionCreated)

	return TokenPair{
		SessionID:     pair.ID,
		Username:      cred.Username,
		AccessToken:   access,
		RefreshToken:  refresh,
		AccessExpiry:  pair.AccessExpiry,
		RefreshExpiry: pair.RefreshExpiry,
	}, nil
}

// fingerprint MACs the raw refresh JWT with the key derived for this
// session. Only the fingerprint is compared on refresh.
func (e *Engine) fingerprint(userID string, refreshExpiry time.Time, refreshToken string) ([session.FingerprintSize]byte, error) {
	var fp [session.FingerprintSize]byte
	key, err := keys.DeriveSessionKey(e.signingKey, userID, refreshExpiry)
	if err != nil {
		return fp, err
	}
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(refreshToken))
	copy(fp[:], mac.Sum(nil))
	return fp, nil
}

// openToken unseals and parses a client token. All failures are
// ErrInvalidToken; sealing failures additionally match ErrDecryptionFailure.
func (e *Engine) openToken(sealed string) (string, *jwt.Claims, error) {
	raw, err := e.sealer.OpenToken(sealed)
	if err != nil {
		e.metrics.Inc(MetricDecryptFailure)
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrDecryptionFailure)
	}
	claims, err := e.tokens.Parse(raw)
	if err != nil {
		return "", nil, ErrInvalidToken
	}
	return raw, claims, nil
}

// Refresh rotates a session. The presented refresh token must belong to a
// live session and match its fingerprint; the old session is removed and a
// new pair issued. A rotated refresh token is rejected with ErrInvalidToken.
func (e *Engine) Refresh(ctx context.Context, sealedRefresh string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}
	pair, err := e.refresh(ctx, sealedRefresh)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return TokenPair{}, err
	}
	e.metrics.Inc(MetricRefreshSuccess)
	return pair, nil
}

func (e *Engine) refresh(ctx context.Context, sealedRefresh string) (TokenPair, error) {
	res := internalflows.RunRefresh(ctx, sealedRefresh, e.flows.Refresh)
	switch res.Failure {
	case internalflows.RefreshFailureNone:
		return tokenPair(res.Tokens), nil
	case internalflows.RefreshFailureDecode:
		return TokenPair{}, res.Err
	case internalflows.RefreshFailureReuse:
		e.metrics.Inc(MetricRefreshReuseRejected)
		e.logger.Warn("refresh of unknown or rotated session",
			zap.String("username", res.Username),
			zap.String("session_id", res.SessionID),
		)
		return TokenPair{}, ErrInvalidToken
	case internalflows.RefreshFailureBlocked:
		return TokenPair{}, ErrAccountBlocked
	case internalflows.RefreshFailureStore:
		return TokenPair{}, storeUnavailable(res.Err)
	case internalflows.RefreshFailureIssue:
		return TokenPair{}, res.Err
	default:
		return TokenPair{}, ErrInvalidToken
	}
}

// ValidateAccess checks a sealed access token and returns its session. The
// session must still be on the allow-list, so logout and lockout take
// effect immediately. Refresh tokens are rejected.
func (e *Engine) ValidateAccess(ctx context.Context, sealedAccess string) (Session, error) {
	if !e.ready() {
		return Session{}, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}()

	res := internalflows.RunValidate(ctx, sealedAccess, e.flows.Validate)
	switch res.Failure {
	case internalflows.ValidateFailureNone:
	case internalflows.ValidateFailureUnauthorized:
		return Session{}, res.Err
	case internalflows.ValidateFailureStore:
		return Session{}, storeUnavailable(res.Err)
	default:
		return Session{}, ErrInvalidToken
	}
	rec, claims := res.Session, res.Claims

	return Session{
		ID:            rec.ID,
		Username:      rec.Username,
		UserID:        claims.UserID,
		Scope:         claims.Scope,
		Label:         rec.Label,
		AccessExpiry:  rec.AccessExpiry,
		RefreshExpiry: rec.RefreshExpiry,
	}, nil
}

// Logout removes the session of a sealed access or refresh token. Logging
// out an already removed session is not an error.
func (e *Engine) Logout(ctx context.Context, sealedToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	res := internalflows.RunLogout(ctx, sealedToken, e.flows.Logout)
	switch res.Failure {
	case internalflows.LogoutFailureNone:
	case internalflows.LogoutFailureUnauthorized:
		return res.Err
	case internalflows.LogoutFailureStore:
		return storeUnavailable(res.Err)
	default:
		return ErrInvalidToken
	}
	if res.Removed {
		e.metrics.Inc(MetricLogout)
		e.metrics.Inc(MetricSessionRevoked)
	}
	return nil
}

// RevokeAll removes every session of username and returns how many there were.
func (e *Engine) RevokeAll(ctx context.Context, username string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	unlock := e.locks.Lock(username)
	defer unlock()

	n, err := e.sessions.DeleteAllForUser(ctx, username)
	if err != nil {
		return 0, storeUnavailable(err)
	}
	e.metrics.Inc(MetricLogoutAll)
	e.metrics.Add(MetricSessionRevoked, uint64(n))
	e.logger.Info("all sessions revoked", zap.String("username", username), zap.Int("count", n))
	return n, nil
}

// ListSessions returns the live sessions of username, soonest to expire first.
func (e *Engine) ListSessions(ctx context.Context, username string) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	recs, err := e.sessions.ListByUsername(ctx, username)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	out := make([]SessionInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, SessionInfo{
			ID:            r.ID,
			Label:         r.Label,
			AccessExpiry:  r.AccessExpiry,
			RefreshExpiry: r.RefreshExpiry,
		})
	}
	return out, nil
}

// CheckLockout reports the persisted lockout state of username. Unknown
// usernames report zero failures.
func (e *Engine) CheckLockout(ctx context.Context, username string) (LockoutStatus, error) {
	if !e.ready() {
		return LockoutStatus{}, ErrEngineNotReady
	}
	st, err := e.guard.Status(ctx, lockout.Identity{Username: username})
	if err != nil {
		return LockoutStatus{}, storeUnavailable(err)
	}
	return LockoutStatus{FailedCount: st.FailedCount, Blocked: st.Blocked, Remaining: st.Remaining}, nil
}

// Unlock clears the failure counter of username. Lifting a block also
// revokes every session of the account; the count is returned.
func (e *Engine) Unlock(ctx context.Context, username string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	unlock := e.locks.Lock(username)
	defer unlock()

	id := lockout.Identity{Username: username}
	blocked, err := e.guard.IsBlocked(ctx, id)
	if err != nil {
		return 0, storeUnavailable(err)
	}
	revoked, err := e.guard.RecordSuccess(ctx, id)
	if err != nil {
		return 0, storeUnavailable(err)
	}
	if blocked {
		e.metrics.Inc(MetricAccountUnlocked)
		e.metrics.Add(MetricSessionRevoked, uint64(revoked))
	}
	return revoked, nil
}

// PurgeExpiredSessions drops sessions whose refresh expiry has passed.
func (e *Engine) PurgeExpiredSessions(ctx context.Context) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	return e.purge(ctx)
}

func (e *Engine) purge(ctx context.Context) (int, error) {
	n, err := e.sessions.DeleteExpiredBefore(ctx, e.now())
	if err != nil {
		return 0, storeUnavailable(err)
	}
	if n > 0 {
		e.metrics.Add(MetricSessionsPurged, uint64(n))
		e.logger.Debug("expired sessions purged", zap.Int("count", n))
	}
	return n, nil
}

func storeUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
