package payment

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/transport"
)

type Handler struct {
	transport.BaseHandler
	PaymentService ServiceAPI
	Logger         *slog.Logger
}

func NewHandler(paymentService ServiceAPI, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		BaseHandler:    transport.BaseHandler{Logger: logger},
		PaymentService: paymentService,
		Logger:         logger,
	}
}

// StartPayment handles POST /api/v1/payments
func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req StartPaymentRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Logger.Error("StartPayment: failed to parse request body", "error", err)
		h.HandleError(w, err)
		return
	}

	payerUserID := errors.UserIDFromContext(r.Context())

	resp, err := h.PaymentService.StartPayment(r.Context(), req, payerUserID)
	if err != nil {
		h.Logger.Error("StartPayment: service error", "error", err, "tramite", req.Tramite, "user_id", payerUserID)
		h.HandleError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	h.WriteJSON(w, status, resp)
}

// ConfirmPayment handles POST /api/v1/payments/{reference}/confirm. The gateway's
// status code and body are relayed untouched.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var req ConfirmPaymentRequest
	if r.ContentLength != 0 {
		if err := h.DecodeJSON(r, &req); err != nil {
			h.Logger.Error("ConfirmPayment: failed to parse request body", "error", err, "reference", reference)
			h.HandleError(w, err)
			return
		}
	}

	result, err := h.PaymentService.ConfirmPayment(r.Context(), reference, req)
	if err != nil {
		h.Logger.Error("ConfirmPayment: service error", "error", err, "reference", reference)
		h.HandleError(w, err)
		return
	}

	h.WriteRaw(w, result.StatusCode, "application/json", result.Body)
}

// GetPayment handles GET /api/v1/payments/{reference}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	view, err := h.PaymentService.GetPayment(r.Context(), reference)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// ListPayments handles GET /api/v1/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.HandleError(w, errors.NewValidationFieldError("limit", "limit must be a number", errors.ErrCodeValidationFailed))
			return
		}
		limit = parsed
	}

	views, err := h.PaymentService.ListPayments(r.Context(), limit)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"payments": views})
}

// GetReceiptByReference handles GET /api/v1/payments/{reference}/receipt
func (h *Handler) GetReceiptByReference(w http.ResponseWriter, r *http.Request) {
	h.serveReceipt(w, r, ReceiptRequest{Reference: chi.URLParam(r, "reference")})
}

// GetReceiptByGatewayID handles GET /api/v1/receipts/{gatewayPaymentId}
func (h *Handler) GetReceiptByGatewayID(w http.ResponseWriter, r *http.Request) {
	h.serveReceipt(w, r, ReceiptRequest{GatewayPaymentID: chi.URLParam(r, "gatewayPaymentId")})
}

func (h *Handler) serveReceipt(w http.ResponseWriter, r *http.Request, req ReceiptRequest) {
	query := r.URL.Query()
	req.Format = query.Get("format")
	req.Refresh, _ = strconv.ParseBool(query.Get("refresh"))

	receipt, err := h.PaymentService.GetReceipt(r.Context(), req)
	if err != nil {
		h.Logger.Error("GetReceipt: service error", "error", err, "reference", req.Reference, "gateway_payment_id", req.GatewayPaymentID)
		h.HandleError(w, err)
		return
	}

	if receipt.Cached {
		w.Header().Set("X-Receipt-Cache", "hit")
	}
	h.WriteRaw(w, http.StatusOK, receipt.ContentType, receipt.Body)
}
