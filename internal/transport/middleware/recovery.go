package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	errors "github.com/frahmantamala/tramite-payments/internal"
)

// Recovery turns a handler panic into a 500 with the usual error body. The panic value
// and stack only go to the log.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", errors.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()))
				writeAppError(w, errors.NewInternalError("internal server error", nil))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
