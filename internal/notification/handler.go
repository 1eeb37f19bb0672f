package notification

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/transport"
)

const streamHeartbeat = 25 * time.Second

type Handler struct {
	transport.BaseHandler
	Service   ServiceAPI
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func NewHandler(service ServiceAPI, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		Service:     service,
		Heartbeat:   streamHeartbeat,
		Logger:      logger,
	}
}

// ListUnread handles GET /api/v1/notifications/unread
func (h *Handler) ListUnread(w http.ResponseWriter, r *http.Request) {
	principal, ok := errors.PrincipalFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.ErrInvalidToken)
		return
	}

	views, err := h.Service.ListUnreadForPrincipal(r.Context(), principal.UserID, principal.Roles)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"notifications": views})
}

// MarkRead handles PATCH /api/v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	principal, ok := errors.PrincipalFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.ErrInvalidToken)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.HandleError(w, errors.NewValidationFieldError("id", "id must be a number", errors.ErrCodeValidationFailed))
		return
	}

	changed, err := h.Service.MarkReadFor(r.Context(), id, principal)
	if err != nil {
		h.Logger.Error("MarkRead: service error", "error", err, "notification_id", id, "user_id", principal.UserID)
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": id, "read": true, "changed": changed})
}

// Publish handles POST /api/v1/notifications
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleError(w, err)
		return
	}

	n := req.ToModel(errors.UserIDFromContext(r.Context()))
	id, err := h.Service.Publish(r.Context(), n)
	if err != nil {
		h.Logger.Error("Publish: service error", "error", err, "kind", req.Kind)
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// Stream handles GET /api/v1/notifications/stream as server-sent events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	principal, ok := errors.PrincipalFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.ErrInvalidToken)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.HandleError(w, errors.NewInternalError("streaming unsupported", nil))
		return
	}

	ctx := r.Context()
	updates, cancel, err := h.Service.Subscribe(ctx, principal.UserID, principal.Roles)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	defer cancel()

	// the server write timeout would otherwise cut every stream after a fixed time
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.Logger.Debug("stream keeps the server write deadline", "error", err, "user_id", principal.UserID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case view, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(view)
			if err != nil {
				h.Logger.Error("failed to encode notification for stream", "error", err, "notification_id", view.ID)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: notification\ndata: %s\n\n", view.ID, data)
			flusher.Flush()
		}
	}
}
