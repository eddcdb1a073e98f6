// Package web provides the operator-token auth middleware gating the
// fleet's observability surface.
package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth gates the observability surface with a single shared operator
// token, checked against the Authorization: Bearer header. There is no
// per-mailbox credential store for operators — the fleet's only notion of
// a "user" is whoever holds the configured token.
type TokenAuth struct {
	token string
}

// NewTokenAuth builds a TokenAuth for the given operator token. An empty
// token disables auth entirely (dev/local mode): RequireAuth then passes
// every request through unchecked, matching the observability surface's
// read-only, no-credential-store nature when none is configured.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

// RequireAuth wraps next so that requests without a valid
// "Authorization: Bearer <token>" header are rejected with 401, rather than
// redirected to a login page the fleet does not serve.
func (a *TokenAuth) RequireAuth(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.validate(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="fleet-obs"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuth) validate(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}
