package authcore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

const testPassword = "correct horse battery"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	clock  *testClock
	db     *sqlite.Store
	mr     *miniredis.Miniredis
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningKey = bytes.Repeat([]byte("s"), 64)
	cfg.Encryption = EncryptionConfig{
		TokenPassphrase:  "token-passphrase",
		SecretPassphrase: "secret-passphrase",
	}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.UpgradeOnLogin = false
	cfg.TOTP.QRSize = 0
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	db, err := sqlite.NewStore(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{t: baseTime}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(db.Credentials()).
		WithTOTPStore(db.TOTPSecrets()).
		WithTOTPResetStore(db.TOTPResetRequests()).
		WithLogger(zaptest.NewLogger(t)).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return &harness{engine: engine, clock: clock, db: db, mr: mr}
}

func (h *harness) addUser(t *testing.T, username string) {
	t.Helper()
	hash, err := h.engine.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	err = h.db.Credentials().CreateCredential(context.Background(), store.Credential{
		UserID:       "uid-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Roles:        []store.Role{{Name: "USER", Permissions: []string{"read"}}},
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
}

func (h *harness) login(t *testing.T, username string) TokenPair {
	t.Helper()
	pair, err := h.engine.Authenticate(context.Background(), LoginRequest{Username: username, Password: testPassword})
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return pair
}

func TestBuildRejectsWeakKeys(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short signing key", func(c *Config) { c.JWT.SigningKey = []byte("short") }},
		{"missing token passphrase", func(c *Config) { c.Encryption.TokenPassphrase = "" }},
		{"shared passphrase", func(c *Config) { c.Encryption.SecretPassphrase = c.Encryption.TokenPassphrase }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New().WithConfig(cfg).Build()
			if !errors.Is(err, ErrWeakKey) {
				t.Fatalf("expected ErrWeakKey, got %v", err)
			}
		})
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without redis and stores")
	}

	b := New()
	b.built = true
	if _, err := b.Build(); err == nil {
		t.Fatal("expected reuse of builder to fail")
	}
}

func TestNilEngineIsNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Authenticate(context.Background(), LoginRequest{}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.ValidateAccess(context.Background(), "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if snap := e.MetricsSnapshot(); len(snap.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap.Counters)
	}
}

func TestAuthenticateThenValidate(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	pair := h.login(t, "alice")
	if strings.Count(pair.AccessToken, ".") == 2 {
		t.Fatal("access token left the engine unsealed")
	}
	if got := pair.RefreshExpiry.Sub(pair.AccessExpiry); got != 7*time.Hour {
		t.Fatalf("refresh outlives access by %v, want 7h", got)
	}

	sess, err := h.engine.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.Username != "alice" || sess.UserID != "uid-alice" || sess.ID != pair.SessionID {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Scope != "ROLE_USER read" {
		t.Fatalf("scope = %q", sess.Scope)
	}

	if _, err := h.engine.ValidateAccess(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 || snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
	if len(snap.Histograms[MetricValidateLatency]) != histBucketCount {
		t.Fatal("validate latency histogram missing")
	}
}

func TestValidateAfterClockAdvance(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	pair := h.login(t, "alice")
	h.clock.Advance(time.Hour + time.Second)

	if _, err := h.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
	if _, err := h.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh token should still be valid: %v", err)
	}
}

func TestRejectsGarbageTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ValidateAccess(ctx, "bm90IGEgYmxvYg==")
	if !errors.Is(err, ErrInvalidToken) || !errors.Is(err, ErrDecryptionFailure) {
		t.Fatalf("expected invalid token with decryption failure, got %v", err)
	}
	if err := h.engine.Logout(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	first := h.login(t, "alice")
	second, err := h.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("refresh reused the session id")
	}

	if _, err := h.engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected reuse to fail with ErrInvalidToken, got %v", err)
	}
	if _, err := h.engine.ValidateAccess(ctx, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("rotated access token still valid: %v", err)
	}
	if _, err := h.engine.ValidateAccess(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
	if _, err := h.engine.Refresh(ctx, second.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted for refresh: %v", err)
	}

	if got := h.engine.MetricsSnapshot().Counters[MetricRefreshReuseRejected]; got != 1 {
		t.Fatalf("reuse counter = %d", got)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	pair := h.login(t, "alice")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Refresh(context.Background(), pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	pair := h.login(t, "alice")
	if err := h.engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := h.engine.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if _, err := h.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
}

func TestRevokeAllAndListSessions(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")
	ctx := context.Background()

	h.login(t, "alice")
	h.login(t, "alice")
	bob := h.login(t, "bob")

	sessions, err := h.engine.ListSessions(ctx, "alice")
	if err != nil || len(sessions) != 2 {
		t.Fatalf("list sessions = %d, %v", len(sessions), err)
	}

	n, err := h.engine.RevokeAll(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("revoke all = %d, %v", n, err)
	}
	sessions, _ = h.engine.ListSessions(ctx, "alice")
	if len(sessions) != 0 {
		t.Fatalf("alice still has %d sessions", len(sessions))
	}
	if _, err := h.engine.ValidateAccess(ctx, bob.AccessToken); err != nil {
		t.Fatalf("bob affected by alice revoke: %v", err)
	}
}

func TestThreeFailuresBlockAndRevoke(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	live := h.login(t, "alice")
	bad := LoginRequest{Username: "alice", Password: "wrong password!"}

	for i := 0; i < 2; i++ {
		_, err := h.engine.Authenticate(ctx, bad)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: expected ErrAuthenticationFailed, got %v", i+1, err)
		}
	}
	if _, err := h.engine.Authenticate(ctx, bad); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("third failure: expected ErrAccountBlocked, got %v", err)
	}

	st, err := h.engine.CheckLockout(ctx, "alice")
	if err != nil || !st.Blocked || st.FailedCount != 3 || st.Remaining != 0 {
		t.Fatalf("lockout status = %+v, %v", st, err)
	}
	if _, err := h.engine.ValidateAccess(ctx, live.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("session survived lockout: %v", err)
	}
	if _, err := h.engine.Authenticate(ctx, LoginRequest{Username: "alice", Password: testPassword}); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("correct password bypassed block: %v", err)
	}
	if _, err := h.engine.Refresh(ctx, live.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh survived lockout: %v", err)
	}

	if _, err := h.engine.Unlock(ctx, "alice"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	h.login(t, "alice")

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricAccountLocked] != 1 || snap.Counters[MetricAccountUnlocked] != 1 {
		t.Fatalf("unexpected lockout counters %v", snap.Counters)
	}
}

func TestSuccessBeforeThresholdResets(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	bad := LoginRequest{Username: "alice", Password: "wrong password!"}

	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			if _, err := h.engine.Authenticate(ctx, bad); !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("round %d: %v", round, err)
			}
		}
		h.login(t, "alice")
		st, err := h.engine.CheckLockout(ctx, "alice")
		if err != nil || st.FailedCount != 0 || st.Blocked {
			t.Fatalf("round %d: status %+v, %v", round, st, err)
		}
	}
}

func TestUnknownUserLooksLikeWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	_, wrongPassword := h.engine.Authenticate(ctx, LoginRequest{Username: "alice", Password: "wrong password!"})
	_, unknown := h.engine.Authenticate(ctx, LoginRequest{Username: "mallory", Password: "wrong password!"})

	if wrongPassword.Error() != unknown.Error() {
		t.Fatalf("messages differ: %q vs %q", wrongPassword, unknown)
	}
	var failure *AuthFailure
	if !errors.As(unknown, &failure) || failure.Reason != "unknown_user" {
		t.Fatalf("expected unknown_user reason, got %#v", unknown)
	}

	for i := 0; i < 2; i++ {
		_, unknown = h.engine.Authenticate(ctx, LoginRequest{Username: "mallory", Password: "wrong password!"})
	}
	if !errors.Is(unknown, ErrAccountBlocked) {
		t.Fatalf("unknown user should look blocked at the threshold, got %v", unknown)
	}
}

func TestSourceAddrDoesNotSplitLockoutCount(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.9.9.9"}

	var err error
	for _, addr := range addrs {
		_, err = h.engine.Authenticate(WithSourceAddr(ctx, addr), LoginRequest{Username: "mallory", Password: "wrong password!"})
	}
	if !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("unknown user reset its count by changing address: %v", err)
	}

	for _, addr := range addrs {
		_, err = h.engine.Authenticate(WithSourceAddr(ctx, addr), LoginRequest{Username: "alice", Password: "wrong password!"})
	}
	if !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("known user count split by address: %v", err)
	}
	fresh := WithSourceAddr(ctx, "192.0.2.7")
	if _, err := h.engine.Authenticate(fresh, LoginRequest{Username: "alice", Password: testPassword}); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("new address bypassed block: %v", err)
	}
}

func TestBuildRejectsZeroRefreshSurplus(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.RefreshSurplus = 0
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("a zero refresh surplus makes access and refresh tokens interchangeable")
	}
}

func TestAccessTokenCannotRefresh(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	pair := h.login(t, "alice")
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens are identical")
	}
	if _, err := h.engine.Refresh(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token refreshed: %v", err)
	}
}

func TestAuthenticateVerified(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	pair, err := h.engine.AuthenticateVerified(ctx, LoginRequest{Username: "alice", Label: "oauth"})
	if err != nil {
		t.Fatalf("verified login: %v", err)
	}
	sess, err := h.engine.ValidateAccess(ctx, pair.AccessToken)
	if err != nil || sess.Label != "oauth" {
		t.Fatalf("validate = %+v, %v", sess, err)
	}
	if _, err := h.engine.AuthenticateVerified(ctx, LoginRequest{Username: "nobody"}); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestPurgeExpiredSessions(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	ctx := context.Background()

	h.login(t, "alice")
	h.clock.Advance(8*time.Hour + time.Second)
	h.login(t, "alice") // purges on login

	if got := h.engine.MetricsSnapshot().Counters[MetricSessionsPurged]; got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}
	h.clock.Advance(8*time.Hour + time.Second)
	n, err := h.engine.PurgeExpiredSessions(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}

func TestPasswordRehashOnLogin(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Password.Time = 2
		c.Password.UpgradeOnLogin = true
	})
	ctx := context.Background()

	cheap, err := password.NewArgon2(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatal(err)
	}
	weak, err := cheap.Hash(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	err = h.db.Credentials().CreateCredential(ctx, store.Credential{
		UserID: "uid-carol", Username: "carol", Email: "carol@example.com", PasswordHash: weak,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.login(t, "carol")
	cred, err := h.db.Credentials().FindByUsername(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if cred.PasswordHash == weak {
		t.Fatal("password hash was not upgraded")
	}
	if up, _ := h.engine.passwords.NeedsUpgrade(cred.PasswordHash); up {
		t.Fatal("upgraded hash still needs upgrade")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricPasswordRehashed]; got != 1 {
		t.Fatalf("rehash counter = %d", got)
	}
}

func TestStoreOutageIsReported(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "alice")
	pair := h.login(t, "alice")

	h.mr.Close()
	if _, err := h.engine.ValidateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
