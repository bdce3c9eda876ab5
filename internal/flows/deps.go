package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
)

// Deps groups the dependency sets the Engine builds once at construction.
type Deps struct {
	Refresh  RefreshDeps
	Validate ValidateDeps
	Logout   LogoutDeps
}

// Tokens is a freshly issued, sealed token pair.
type Tokens struct {
	SessionID     string
	Username      string
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

// TokenOpener unseals a client token and parses its claims. It returns the
// raw JWT alongside the claims.
type TokenOpener func(sealed string) (string, *jwt.Claims, error)

// SessionReader looks up a live session by id.
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Record, error)
}

// SessionStore reads and removes live sessions.
type SessionStore interface {
	SessionReader
	Delete(ctx context.Context, id string) (bool, error)
}
