package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexedwards/argon2id"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func authRequest(t *testing.T, wrapped http.Handler, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/policy", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	return rec
}

// An empty hash disables auth entirely.
func TestAdminAuth_Disabled(t *testing.T) {
	t.Parallel()
	wrapped := AdminAuth("")(okHandler())
	if rec := authRequest(t, wrapped, ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	hash, err := argon2id.CreateHash("s3cret-admin-key", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("CreateHash: %v", err)
	}
	wrapped := AdminAuth(hash)(okHandler())

	rec := authRequest(t, wrapped, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}

	if rec := authRequest(t, wrapped, "Basic dXNlcjpwYXNz"); rec.Code != http.StatusUnauthorized {
		t.Errorf("basic auth: status = %d, want 401", rec.Code)
	}

	if rec := authRequest(t, wrapped, "Bearer wrong-key"); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d, want 403", rec.Code)
	}

	if rec := authRequest(t, wrapped, "Bearer s3cret-admin-key"); rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}
}

// Malformed hashes must fail closed with 500, never grant access and never
// crash the handler.
func TestAdminAuth_MalformedHash(t *testing.T) {
	t.Parallel()

	hashes := []string{
		"not-a-hash",
		// p=0 makes the underlying key derivation divide by zero.
		"$argon2id$v=19$m=65536,t=3,p=0$c29tZXNhbHQ$c29tZWtleQ",
	}
	for _, hash := range hashes {
		wrapped := AdminAuth(hash)(okHandler())
		if rec := authRequest(t, wrapped, "Bearer anything"); rec.Code != http.StatusInternalServerError {
			t.Errorf("hash %q: status = %d, want 500", hash, rec.Code)
		}
	}
}
