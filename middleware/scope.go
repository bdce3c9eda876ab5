package middleware

import (
	"net/http"

	"github.com/MrEthical07/authcore/jwt"
)

// RequireScope answers 403 unless the session stored by Guard carries want,
// either a role (ROLE_<name>) or a permission. It must be mounted inside Guard.
func RequireScope(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !jwt.HasScope(sess.Scope, want) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
