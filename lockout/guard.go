package lockout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/store"
	"go.uber.org/zap"
)

// DefaultThreshold is the number of failures that blocks an account.
const DefaultThreshold = 3

var (
	// ErrUnavailable wraps failures of the persisted counter or the session revoker.
	ErrUnavailable = errors.New("lockout backend unavailable")
)

// Factor names which authentication factor failed.
type Factor uint8

const (
	FactorUnknown Factor = iota
	FactorPassword
	FactorTOTP
	FactorBackupCode
)

func (f Factor) String() string {
	switch f {
	case FactorPassword:
		return "password"
	case FactorTOTP:
		return "totp"
	case FactorBackupCode:
		return "backup_code"
	default:
		return "unknown"
	}
}

// Identity is the subject of an authentication attempt.
type Identity struct {
	Username   string
	Email      string
	SourceAddr string
}

// cacheKey is the username alone, so a caller cannot reset the count of an
// unknown username by changing address.
func (id Identity) cacheKey() string {
	return id.Username
}

// SessionRevoker removes every live session of a username.
type SessionRevoker interface {
	DeleteAllForUser(ctx context.Context, username string) (int, error)
}

// Outcome is the result of recording a failure.
type Outcome struct {
	FailedCount int
	Blocked     bool

	// JustBlocked is true only for the failure that crossed the threshold.
	JustBlocked bool

	// Revoked is the number of sessions removed by this call.
	Revoked int

	// KnownAccount is false when the username has no credential row; only
	// the failure cache moved.
	KnownAccount bool
}

// Status is a read-only view of an account's lockout state.
type Status struct {
	FailedCount int
	Blocked     bool
	Remaining   int
}

// Config configures a Guard.
type Config struct {
	Threshold int
	Cache     FailureCache
	Logger    *zap.Logger
}

// Guard applies the lockout policy.
type Guard struct {
	counter   store.FailureCounter
	revoker   SessionRevoker
	cache     FailureCache
	threshold int
	logger    *zap.Logger
}

// NewGuard builds a Guard. A zero Threshold uses DefaultThreshold; a nil
// Cache uses a MemoryCache with default bounds.
func NewGuard(counter store.FailureCounter, revoker SessionRevoker, cfg Config) (*Guard, error) {
	if counter == nil || revoker == nil {
		return nil, errors.New("lockout: counter and revoker are required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("lockout: threshold must be >= 1, got %d", cfg.Threshold)
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache(DefaultCacheSize, DefaultWindow)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{
		counter:   counter,
		revoker:   revoker,
		cache:     cfg.Cache,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
	}, nil
}

// Threshold returns the configured blocking threshold.
func (g *Guard) Threshold() int { return g.threshold }

// Cache returns the fast failure cache.
func (g *Guard) Cache() FailureCache { return g.cache }

// RecordFailure counts one failed attempt of any factor. When the persisted
// count reaches the threshold the account is blocked and all of its
// sessions are revoked.
func (g *Guard) RecordFailure(ctx context.Context, id Identity, factor Factor) (Outcome, error) {
	local, err := g.cache.Increment(ctx, id.cacheKey())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: failure cache: %v", ErrUnavailable, err)
	}

	state, err := g.counter.IncrementFailures(ctx, id.Username, g.threshold)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.logger.Debug("failed attempt for unknown account",
				zap.String("username", id.Username),
				zap.Stringer("factor", factor),
				zap.Int64("local_count", local),
			)
			return Outcome{FailedCount: int(local)}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := Outcome{
		FailedCount:  state.FailedCount,
		Blocked:      state.Blocked,
		JustBlocked:  state.Blocked && state.FailedCount == g.threshold,
		KnownAccount: true,
	}

	if !state.Blocked {
		g.logger.Warn("authentication attempt failed",
			zap.String("username", id.Username),
			zap.Stringer("factor", factor),
			zap.Int("failed_count", state.FailedCount),
			zap.Int("remaining", g.threshold-state.FailedCount),
		)
		return out, nil
	}

	revoked, err := g.revoker.DeleteAllForUser(ctx, id.Username)
	if err != nil {
		return out, fmt.Errorf("%w: revoke sessions: %v", ErrUnavailable, err)
	}
	out.Revoked = revoked

	if out.JustBlocked {
		g.logger.Info("account blocked",
			zap.String("username", id.Username),
			zap.Stringer("factor", factor),
			zap.Int("failed_count", state.FailedCount),
			zap.Int("sessions_revoked", revoked),
		)
	} else {
		g.logger.Warn("failed attempt on blocked account",
			zap.String("username", id.Username),
			zap.Stringer("factor", factor),
			zap.Int("failed_count", state.FailedCount),
		)
	}
	return out, nil
}

// RecordSuccess resets the persisted counter and the cache entry for id.
// If the account was blocked, lifting the block also revokes every session.
// It returns the number of sessions revoked.
func (g *Guard) RecordSuccess(ctx context.Context, id Identity) (int, error) {
	if err := g.cache.Reset(ctx, id.cacheKey()); err != nil {
		return 0, fmt.Errorf("%w: failure cache: %v", ErrUnavailable, err)
	}

	prev, err := g.counter.ResetFailures(ctx, id.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !prev.Blocked {
		return 0, nil
	}

	revoked, err := g.revoker.DeleteAllForUser(ctx, id.Username)
	if err != nil {
		return 0, fmt.Errorf("%w: revoke sessions: %v", ErrUnavailable, err)
	}
	g.logger.Info("account unblocked",
		zap.String("username", id.Username),
		zap.Int("sessions_revoked", revoked),
	)
	return revoked, nil
}

// IsBlocked reads the persisted block flag. Unknown accounts are never blocked.
func (g *Guard) IsBlocked(ctx context.Context, id Identity) (bool, error) {
	st, err := g.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Blocked, nil
}

// RemainingAttempts returns how many more failures the account tolerates.
func (g *Guard) RemainingAttempts(ctx context.Context, id Identity) (int, error) {
	st, err := g.Status(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Remaining, nil
}

// Status returns the persisted lockout state of id.
func (g *Guard) Status(ctx context.Context, id Identity) (Status, error) {
	state, err := g.counter.FailureState(ctx, id.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{Remaining: g.threshold}, nil
		}
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Status{
		FailedCount: state.FailedCount,
		Blocked:     state.Blocked,
		Remaining:   max(0, g.threshold-state.FailedCount),
	}, nil
}
