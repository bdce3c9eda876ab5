package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

// Validator checks a sealed access token. *authcore.Engine satisfies it.
type Validator interface {
	ValidateAccess(ctx context.Context, sealedAccess string) (authcore.Session, error)
}

type sessionContextKey struct{}

// SessionFromContext returns the session stored by Guard.
func SessionFromContext(ctx context.Context) (authcore.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(authcore.Session)
	return s, ok
}

// Guard rejects requests without a valid bearer access token and stores the
// validated session in the request context. A backend outage answers 503 so
// clients do not discard tokens that may still be good.
func Guard(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sess, err := v.ValidateAccess(authcore.WithSourceAddr(r.Context(), r.RemoteAddr), token)
			if err != nil {
				if errors.Is(err, authcore.ErrStoreUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
