package middleware

import (
	"log/slog"
	"net/http"

	"github.com/raeenos/raepkg/internal/apierrors"
	"github.com/raeenos/raepkg/internal/auth"
)

// RequireAuth gates every route in its group behind the authenticator.
// With auth disabled the pass-through authenticator admits everyone, so
// the handler chain is the same either way.
func RequireAuth(authenticator auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authenticator.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="raepkg repository"`)
				code, msg, status := apierrors.MapError(err)
				apierrors.WriteError(w, code, msg, status, nil)
				return
			}

			logger.Debug("Request authenticated",
				"username", user.Username,
				"endpoint", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
