package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID settles one id per request: the caller's header, else the id chi already
// generated, else a fresh uuid. It is echoed back and tagged on the context logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = chimw.GetReqID(r.Context())
		}
		if id == "" {
			id = uuid.NewString()
		}

		ctx := errors.ContextWithRequestID(r.Context(), id)
		ctx = logger.With(ctx, "request_id", id)
		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
