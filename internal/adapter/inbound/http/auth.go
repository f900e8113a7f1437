package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// AdminAuth guards the mutating endpoints with a bearer key verified
// against an argon2id hash (produced by the hash-key command). An empty
// hash disables auth: every request passes (development mode).
func AdminAuth(adminKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if adminKeyHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			key := strings.TrimPrefix(auth, "Bearer ")

			match, err := compareAdminKey(key, adminKeyHash)
			if err != nil {
				LoggerFromContext(r.Context()).Error("admin key verification failed", "error", err)
				respondError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if !match {
				respondError(w, http.StatusForbidden, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// compareAdminKey wraps the argon2id comparison with panic recovery: the
// underlying library panics on malformed hashes with degenerate parameters.
func compareAdminKey(key, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(key, hash)
}
