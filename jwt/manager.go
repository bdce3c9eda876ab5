package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyBytes is the smallest accepted HS512 signing key (256 bits).
const MinKeyBytes = 32

// MinRefreshSurplus keeps the refresh expiry strictly after the access
// expiry. With equal expiries the two tokens of a pair sign identical claims.
const MinRefreshSurplus = 1

var (
	// ErrInvalidToken covers bad signatures, wrong algorithms, expired tokens
	// and malformed input.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakKey is returned by NewManager when the signing key is too short.
	ErrWeakKey = errors.New("signing key shorter than 256 bits")
)

// Config configures a Manager. Now defaults to time.Now.
type Config struct {
	SigningKey     []byte
	Issuer         string
	AccessTTL      time.Duration
	RefreshSurplus int
	Leeway         time.Duration
	Now            func() time.Time
}

// Manager signs and parses token pairs with a single static key.
type Manager struct {
	config Config
}

// Claims is the claim set shared by access and refresh tokens.
type Claims struct {
	UserID string `json:"userId"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// Pair is a freshly issued access/refresh pair.
type Pair struct {
	ID            string
	AccessToken   string
	RefreshToken  string
	IssuedAt      time.Time
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// NewManager validates cfg. A signing key under MinKeyBytes fails with ErrWeakKey.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.SigningKey) < MinKeyBytes {
		return nil, ErrWeakKey
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshSurplus < MinRefreshSurplus {
		return nil, fmt.Errorf("refresh surplus must be >= %d", MinRefreshSurplus)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)
	cfg.SigningKey = key

	return &Manager{config: cfg}, nil
}

// RefreshTTL is AccessTTL × (1 + RefreshSurplus).
func (m *Manager) RefreshTTL() time.Duration {
	return m.config.AccessTTL * time.Duration(1+m.config.RefreshSurplus)
}

// Issue mints an access/refresh pair for subject sharing one fresh jti.
func (m *Manager) Issue(subject, userID, scope string) (Pair, error) {
	if subject == "" {
		return Pair{}, errors.New("subject is required")
	}

	now := m.config.Now().Truncate(time.Second)
	id := uuid.NewString()
	accessExp := now.Add(m.config.AccessTTL)
	refreshExp := now.Add(m.RefreshTTL())

	access, err := m.sign(subject, userID, scope, id, now, accessExp)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := m.sign(subject, userID, scope, id, now, refreshExp)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		ID:            id,
		AccessToken:   access,
		RefreshToken:  refresh,
		IssuedAt:      now,
		AccessExpiry:  accessExp,
		RefreshExpiry: refreshExp,
	}, nil
}

func (m *Manager) sign(subject, userID, scope, id string, iat, exp time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        id,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(m.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("jwt: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, algorithm, issuer and expiry and returns the claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS512.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.config.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrInvalidToken)
	}
	return claims, nil
}
