package authcore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/lockout"
	"github.com/MrEthical07/authcore/password"
)

// Config is the explicit security context of an Engine. Nothing in the
// module reads keys or thresholds from package-level state.
type Config struct {
	JWT        JWTConfig
	Encryption EncryptionConfig
	Lockout    LockoutConfig
	TOTP       TOTPConfig
	Session    SessionConfig
	Password   PasswordConfig
	Metrics    MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures token issuance. SigningKey must hold at least 256
// bits. The refresh token lives AccessTTL * (1 + RefreshSurplus), and
// RefreshSurplus must be at least 1 so the two tokens never share an expiry.
type JWTConfig struct {
	SigningKey     []byte
	Issuer         string
	AccessTTL      time.Duration
	RefreshSurplus int
	Leeway         time.Duration
}

/*
====================================
ENCRYPTION CONFIG
====================================
*/

// EncryptionConfig holds the two passphrases of the token and secret blob
// formats. They must be non-empty and distinct.
type EncryptionConfig struct {
	TokenPassphrase  string
	SecretPassphrase string
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig configures progressive account lockout. The persisted
// counter of a known account never expires; FailureWindow only bounds the
// Redis counters kept for usernames without a credential row.
type LockoutConfig struct {
	Threshold     int
	FailureWindow time.Duration
	CachePrefix   string
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig configures second-factor enrolment.
type TOTPConfig struct {
	Issuer string
	// QRSize is the edge length in pixels of the enrolment QR image. Zero
	// disables QR rendering.
	QRSize int
	// ReplayTTL is how long an accepted code stays in the replay ledger. It
	// must cover the whole verification window.
	ReplayTTL    time.Duration
	ReplayPrefix string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the Redis session allow-list.
type SessionConfig struct {
	RedisPrefix string
	// PurgeOnLogin runs an expired-session purge before each password login.
	PurgeOnLogin bool
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the Argon2id cost for account passwords.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinInputBytes  int
	UpgradeOnLogin bool
}

func (p PasswordConfig) argon2() password.Config {
	return password.Config{
		Memory:        p.Memory,
		Time:          p.Time,
		Parallelism:   p.Parallelism,
		SaltLength:    p.SaltLength,
		KeyLength:     p.KeyLength,
		MinInputBytes: p.MinInputBytes,
	}
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns a Config with every non-secret field populated.
// Callers must still provide the signing key and both passphrases.
func DefaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			Issuer:         "authcore",
			AccessTTL:      time.Hour,
			RefreshSurplus: 7,
		},
		Lockout: LockoutConfig{
			Threshold:     lockout.DefaultThreshold,
			FailureWindow: lockout.DefaultWindow,
			CachePrefix:   "alf",
		},
		TOTP: TOTPConfig{
			Issuer:       "authcore",
			QRSize:       256,
			ReplayTTL:    2 * time.Minute,
			ReplayPrefix: "atr",
		},
		Session: SessionConfig{
			RedisPrefix:  "as",
			PurgeOnLogin: true,
		},
		Password: PasswordConfig{
			Memory:         pw.Memory,
			Time:           pw.Time,
			Parallelism:    pw.Parallelism,
			SaltLength:     pw.SaltLength,
			KeyLength:      pw.KeyLength,
			MinInputBytes:  pw.MinInputBytes,
			UpgradeOnLogin: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.SigningKey = cloneBytes(cfg.JWT.SigningKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks cfg. Key material problems wrap ErrWeakKey so startup can
// abort on them specifically.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.JWT.SigningKey) < jwt.MinKeyBytes {
		return fmt.Errorf("%w: signing key has %d bytes, need %d", ErrWeakKey, len(c.JWT.SigningKey), jwt.MinKeyBytes)
	}
	if c.Encryption.TokenPassphrase == "" || c.Encryption.SecretPassphrase == "" {
		return fmt.Errorf("%w: encryption passphrases are required", ErrWeakKey)
	}
	if c.Encryption.TokenPassphrase == c.Encryption.SecretPassphrase {
		return fmt.Errorf("%w: token and secret passphrases must differ", ErrWeakKey)
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		return errors.New("jwt issuer is required")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt access ttl must be > 0")
	}
	if c.JWT.RefreshSurplus < jwt.MinRefreshSurplus {
		return fmt.Errorf("jwt refresh surplus must be >= %d", jwt.MinRefreshSurplus)
	}
	if c.JWT.Leeway < 0 {
		return errors.New("jwt leeway must be >= 0")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be >= 1")
	}
	if c.Lockout.FailureWindow <= 0 {
		return errors.New("lockout failure window must be > 0")
	}
	if c.Lockout.CachePrefix == "" {
		return errors.New("lockout cache prefix is required")
	}
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("totp issuer is required")
	}
	if c.TOTP.QRSize < 0 {
		return errors.New("totp qr size must be >= 0")
	}
	if c.TOTP.ReplayTTL < 90*time.Second {
		return errors.New("totp replay ttl must cover the 90s verification window")
	}
	if c.Session.RedisPrefix == "" {
		return errors.New("session redis prefix is required")
	}
	if c.Password.MinInputBytes < 0 {
		return errors.New("password min input bytes must be >= 0")
	}
	return nil
}

// ParseSigningKey decodes base64 (standard or URL alphabet, padding
// optional) key material and enforces the 256-bit minimum.
func ParseSigningKey(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, fmt.Errorf("%w: signing key is empty", ErrWeakKey)
	}
	var (
		key []byte
		err error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err = enc.DecodeString(s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: signing key is not base64", ErrWeakKey)
	}
	if len(key) < jwt.MinKeyBytes {
		return nil, fmt.Errorf("%w: signing key has %d bytes, need %d", ErrWeakKey, len(key), jwt.MinKeyBytes)
	}
	return key, nil
}
