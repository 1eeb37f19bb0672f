package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/tramite-payments/internal"
)

// RequireRoles lets the request through when the principal holds any of roles.
// It must run after the auth middleware.
func RequireRoles(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := errors.PrincipalFromContext(r.Context())
			if !ok {
				writeAppError(w, errors.ErrInvalidToken)
				return
			}

			if !principal.HasAnyRole(roles...) {
				logger.Warn("access denied: principal lacks required role",
					"user_id", principal.UserID,
					"required_roles", roles,
					"user_roles", principal.Roles)
				writeAppError(w, errors.ErrForbiddenRoles)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAppError(w http.ResponseWriter, appErr *errors.AppError) {
	status, body := appErr.ToHTTPResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
