package middleware

import (
	"net/http"

	"github.com/jbenholt/drupal-samlauth/internal/auth"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// RequireSession ensures the request carries a browser session that has
// completed a SAML login. Requests without the session cookie, or whose
// session never authenticated, are rejected before the handler runs.
func RequireSession(sessions session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip middleware for OPTIONS requests
			if r.Method == "OPTIONS" {
				next.ServeHTTP(w, r)
				return
			}

			sessionID, ok := auth.SessionID(r)
			if !ok {
				debug.Warning("[AUTH] No session cookie for %s %s", r.Method, r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			flag, ok, err := sessions.Get(r.Context(), sessionID, session.KeyAuthenticated)
			if err != nil {
				debug.Error("[AUTH] Failed to read session state: %v", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !ok || flag != "1" {
				debug.Warning("[AUTH] Unauthenticated session for %s %s", r.Method, r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			debug.Debug("[AUTH] Authenticated session for %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
