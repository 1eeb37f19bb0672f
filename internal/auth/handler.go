package auth

import (
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/transport"
	"github.com/frahmantamala/tramite-payments/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Tokens TokenValidator
}

func NewHandler(tokens TokenValidator, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Tokens:      tokens,
	}
}

// AuthMiddleware rejects requests without a valid bearer token and puts the
// principal on the context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.Logger.Warn("auth middleware: missing authorization token", "path", r.URL.Path)
			h.HandleError(w, errors.ErrInvalidToken)
			return
		}

		claims, err := h.Tokens.Validate(token)
		if err != nil {
			tokenPrefix := token
			if len(token) > 20 {
				tokenPrefix = token[:20]
			}
			h.Logger.Warn("token validation failed", "error", err, "token_prefix", tokenPrefix)
			h.HandleError(w, err)
			return
		}

		principal := claims.Principal()
		h.Logger.Debug("auth middleware: principal resolved", "user_id", principal.UserID, "roles", principal.Roles)

		ctx := errors.ContextWithPrincipal(r.Context(), principal)
		ctx = logger.With(ctx, "user_id", principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
