package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"rollcall/cmd/internal/httpx"
)

// Authenticate rejects requests without a valid credential and attaches the
// caller's identity to the request context.
func (v *Verifier) Authenticate(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(CredentialFromRequest(r, false))
			if err != nil {
				if !errors.Is(err, ErrNoCredential) && log != nil {
					log.Info("auth.reject", "path", r.URL.Path, "err", err)
				}
				httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "valid bearer token required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole allows only identities with role. It must run after Authenticate.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "valid bearer token required")
				return
			}
			if id.Role != role {
				httpx.WriteError(w, http.StatusForbidden, "forbidden", "requires role "+string(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
