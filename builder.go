package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/internal/replay"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/seal"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// dummyPassword is hashed once at build so unknown usernames cost the same
// Argon2id work as known ones.
const dummyPassword = "authcore-timing-equaliser"

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials   store.Credentials
	totpSecrets   store.TOTPSecrets
	resetRequests store.TOTPResetRequests

	logger       *zap.Logger
	failureCache lockout.FailureCache
	clock        func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used by the session allow-list and the TOTP
// replay ledger.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(c store.Credentials) *Builder {
	b.credentials = c
	return b
}

func (b *Builder) WithTOTPStore(s store.TOTPSecrets) *Builder {
	b.totpSecrets = s
	return b
}

// WithTOTPResetStore enables the administrator-reviewed TOTP reset workflow.
// Without it the reset request methods fail with ErrEngineNotReady.
func (b *Builder) WithTOTPResetStore(s store.TOTPResetRequests) *Builder {
	b.resetRequests = s
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithFailureCache swaps the failed-attempt cache. The default is a
// lockout.RedisCache on the engine's Redis client.
func (b *Builder) WithFailureCache(c lockout.FailureCache) *Builder {
	b.failureCache = c
	return b
}

// WithClock overrides time.Now for token issuance, TOTP windows and session
// expiry. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires every component. Key material
// problems are reported as ErrWeakKey and must abort startup.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if b.totpSecrets == nil {
		return nil, errors.New("totp store is required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SigningKey:     cfg.JWT.SigningKey,
		Issuer:         cfg.JWT.Issuer,
		AccessTTL:      cfg.JWT.AccessTTL,
		RefreshSurplus: cfg.JWT.RefreshSurplus,
		Leeway:         cfg.JWT.Leeway,
		Now:            clock,
	})
	if err != nil {
		if errors.Is(err, jwt.ErrWeakKey) {
			return nil, fmt.Errorf("%w: %v", ErrWeakKey, err)
		}
		return nil, err
	}

	sealer, err := seal.New(seal.Config{
		TokenPassphrase:  cfg.Encryption.TokenPassphrase,
		SecretPassphrase: cfg.Encryption.SecretPassphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakKey, err)
	}

	passwords, err := password.NewArgon2(cfg.Password.argon2())
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}
	backupHasher, err := password.NewArgon2(password.BackupCodeConfig())
	if err != nil {
		return nil, fmt.Errorf("backup code config: %w", err)
	}
	dummyHash, err := passwords.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}

	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix).WithClock(clock)

	failureCache := b.failureCache
	if failureCache == nil {
		failureCache = lockout.NewRedisCache(b.redis, cfg.Lockout.CachePrefix, cfg.Lockout.FailureWindow)
	}
	guard, err := lockout.NewGuard(b.credentials, sessions, lockout.Config{
		Threshold: cfg.Lockout.Threshold,
		Cache:     failureCache,
		Logger:    logger.Named("lockout"),
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:       cfg,
		logger:       logger,
		now:          clock,
		signingKey:   cloneBytes(cfg.JWT.SigningKey),
		tokens:       tokens,
		sealer:       sealer,
		sessions:     sessions,
		guard:        guard,
		credentials:  b.credentials,
		totpSecrets:  b.totpSecrets,
		resets:       b.resetRequests,
		replay:       replay.NewLedger(b.redis, cfg.TOTP.ReplayPrefix, cfg.TOTP.ReplayTTL),
		totp:         totp.NewManager(cfg.TOTP.Issuer),
		passwords:    passwords,
		backupHasher: backupHasher,
		dummyHash:    dummyHash,
		metrics:      NewMetrics(cfg.Metrics),
	}
	e.flows = e.flowDeps()
	return e, nil
}
