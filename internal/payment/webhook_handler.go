package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/transport"
)

type OutcomeProcessorAPI interface {
	Process(ctx context.Context, in CallbackInput) (bool, error)
}

// WebhookHandler receives the gateway's out-of-band outcome, the only authoritative
// source of a terminal payment state.
type WebhookHandler struct {
	*transport.BaseHandler
	processor OutcomeProcessorAPI
	secret    string
	logger    *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, processor OutcomeProcessorAPI, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = baseHandler.Logger
	}
	return &WebhookHandler{
		BaseHandler: baseHandler,
		processor:   processor,
		secret:      secret,
		logger:      logger,
	}
}

type PaymentCallbackRequest struct {
	Reference        string `json:"reference"`
	Outcome          string `json:"outcome"`
	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
}

type PaymentCallbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	callbackStatusSuccess = "success"
	callbackStatusError   = "error"
)

func (h *WebhookHandler) HandlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("payment callback rejected: bad credentials", "remote_addr", r.RemoteAddr)
		h.writeCallback(w, http.StatusUnauthorized, callbackStatusError, errors.ErrInvalidSecret.Message)
		return
	}

	var req PaymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("invalid payment callback request", "error", err)
		h.writeCallback(w, http.StatusBadRequest, callbackStatusError, "invalid request body")
		return
	}

	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		h.logger.Error("payment callback missing reference", "outcome", req.Outcome)
		h.writeCallback(w, http.StatusBadRequest, callbackStatusError, "reference is required")
		return
	}

	outcome, ok := ParseOutcome(req.Outcome)
	if !ok {
		h.logger.Error("payment callback with unknown outcome",
			"reference", req.Reference,
			"outcome", req.Outcome)
		h.writeCallback(w, http.StatusBadRequest, callbackStatusError, "outcome must be one of confirmed, success, failed, failure, rejected")
		return
	}

	h.logger.Info("received payment callback",
		"reference", req.Reference,
		"outcome", outcome,
		"gateway_payment_id", req.GatewayPaymentID)

	applied, err := h.processor.Process(r.Context(), CallbackInput{
		Reference:        req.Reference,
		Outcome:          outcome,
		GatewayPaymentID: req.GatewayPaymentID,
		FailureReason:    req.FailureReason,
	})
	if err != nil {
		status, message := callbackFailure(err)
		h.logger.Error("failed to process payment callback",
			"error", err,
			"reference", req.Reference,
			"outcome", outcome,
			"status_code", status)
		h.writeCallback(w, status, callbackStatusError, message)
		return
	}

	message := "outcome recorded"
	if !applied {
		message = "outcome already recorded"
	}
	h.writeCallback(w, http.StatusOK, callbackStatusSuccess, message)
}

// authorized is true when no secret is configured or the bearer token matches it.
func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	token := h.ExtractTokenFromHeader(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

func callbackFailure(err error) (int, string) {
	switch {
	case stderrors.Is(err, errors.ErrPaymentNotFound):
		return http.StatusNotFound, "unknown payment reference"
	case stderrors.Is(err, errors.ErrStateConflict):
		return http.StatusConflict, "payment already has a different outcome"
	}
	if appErr, ok := errors.IsAppError(err); ok && appErr.Type == errors.ErrorTypeValidation {
		return http.StatusBadRequest, appErr.GetDetailedMessage()
	}
	return http.StatusInternalServerError, "failed to record payment outcome"
}

func (h *WebhookHandler) writeCallback(w http.ResponseWriter, status int, result, message string) {
	h.WriteJSON(w, status, PaymentCallbackResponse{Status: result, Message: message})
}
