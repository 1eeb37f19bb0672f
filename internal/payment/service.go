package payment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/tramite-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/tramite-payments/internal/paymentgateway"
	"github.com/frahmantamala/tramite-payments/internal/tramite"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type ServiceAPI interface {
	StartPayment(ctx context.Context, req StartPaymentRequest, payerUserID string) (*StartPaymentResponse, error)
	ConfirmPayment(ctx context.Context, reference string, req ConfirmPaymentRequest) (*ConfirmResult, error)
	GetPayment(ctx context.Context, reference string) (*PaymentView, error)
	ListPayments(ctx context.Context, limit int) ([]PaymentView, error)
	GetReceipt(ctx context.Context, req ReceiptRequest) (*Receipt, error)
}

// PaymentService runs the client-facing legs of the pipeline: initiation, the
// confirmation proxy and receipt retrieval.
type PaymentService struct {
	ledger       Ledger
	gateway      Gateway
	catalog      *tramite.Catalog
	notifier     Notifier
	treasuryRole string
	logger       *slog.Logger
}

func NewPaymentService(ledger Ledger, gateway Gateway, catalog *tramite.Catalog, notifier Notifier, treasuryRole string, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		ledger:       ledger,
		gateway:      gateway,
		catalog:      catalog,
		notifier:     notifier,
		treasuryRole: treasuryRole,
		logger:       logger,
	}
}

var _ ServiceAPI = (*PaymentService)(nil)

func (s *PaymentService) StartPayment(ctx context.Context, req StartPaymentRequest, payerUserID string) (*StartPaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t, amount, err := s.catalog.ResolveAmount(req.Tramite, req.Amount)
	if err != nil {
		return nil, err
	}

	if req.Reference != "" {
		existing, err := s.ledger.GetByIdempotencyKey(ctx, req.Reference)
		switch {
		case err == nil:
			s.logger.Info("start payment replayed for existing reference",
				"reference", existing.Reference,
				"state", existing.State)
			return startResponse(existing, false), nil
		case !stderrors.Is(err, errors.ErrPaymentNotFound):
			s.logger.Error("failed to look up payment reference", "error", err, "reference", req.Reference)
			return nil, errors.NewInternalError("failed to look up payment", err)
		}
	}

	reference := req.Reference
	if reference == "" {
		reference = uuid.NewString()
	}

	// the gateway call and the ledger write finish even if the caller goes away,
	// an orphaned gateway session is worse than a wasted local write
	detached := context.WithoutCancel(ctx)
	gwCtx, cancel := context.WithTimeout(detached, s.gateway.Timeout())
	defer cancel()

	resp, err := s.gateway.Begin(gwCtx, gatewaytypes.BeginRequest{
		Tramite:   t.Code,
		Amount:    &amount,
		Reference: reference,
	})
	if err != nil {
		return nil, s.gatewayError("begin", reference, err)
	}
	if !resp.Success {
		s.logger.Warn("gateway rejected payment initiation",
			"reference", reference,
			"tramite", t.Code,
			"message", resp.Message)
		return nil, errors.NewPaymentRejectedError(resp.Message)
	}
	if resp.Reference != "" && resp.Reference != reference {
		s.logger.Info("gateway assigned its own reference",
			"requested_reference", reference,
			"reference", resp.Reference)
		reference = resp.Reference
	}

	newAttempt := payment.NewAttempt{
		Reference:            reference,
		Tramite:              t.Code,
		Amount:               decimal.NewNullDecimal(amount),
		PaymentURL:           resp.PaymentURL,
		EncryptedRequestBlob: resp.EncryptedRequestBlob,
		PayerUserID:          payerUserID,
		IdempotencyKey:       req.Reference,
	}

	_, created, err := s.ledger.RecordAttempt(detached, newAttempt)
	if err != nil {
		s.logger.Error("orphaned gateway session: ledger write failed after begin, reconciliation candidate",
			"error", err,
			"reference", reference,
			"tramite", t.Code,
			"payment_url", resp.PaymentURL,
			paymentgateway.BlobAttr("blob", resp.EncryptedRequestBlob))
		s.raiseOrphanedSession(detached, reference, t.Code)
		return nil, errors.ErrLedgerWriteFailed.WithCause(err).WithDetails(map[string]string{"reference": reference})
	}

	if !created {
		key := req.Reference
		if key == "" {
			key = reference
		}
		if existing, err := s.ledger.GetByIdempotencyKey(detached, key); err == nil {
			s.logger.Warn("attempt recorded concurrently, returning the stored session",
				"reference", existing.Reference,
				"discarded_reference", reference)
			return startResponse(existing, false), nil
		}
	}

	s.logger.Info("payment started",
		"reference", reference,
		"tramite", t.Code,
		"amount", amount.StringFixed(2),
		"created", created)

	return &StartPaymentResponse{
		Reference:  reference,
		PaymentURL: resp.PaymentURL,
		Tramite:    t.Code,
		Amount:     amount.StringFixed(2),
		State:      string(payment.StatePending),
		Created:    created,
	}, nil
}

func (s *PaymentService) ConfirmPayment(ctx context.Context, reference string, req ConfirmPaymentRequest) (*ConfirmResult, error) {
	if reference == "" {
		return nil, errors.NewValidationFieldError("reference", "reference is required", errors.ErrCodeValidationFailed)
	}

	attempt, err := s.ledger.Get(ctx, reference)
	if err != nil {
		return nil, s.ledgerError("failed to load payment", reference, err)
	}

	payload := req.EncryptedRequestBlob
	if payload == "" {
		payload = attempt.EncryptedRequestBlob
	}
	if payload == "" {
		return nil, errors.NewValidationFieldError("encryptedRequestBlob", "encryptedRequestBlob is required", errors.ErrCodeValidationFailed)
	}

	detached := context.WithoutCancel(ctx)
	gwCtx, cancel := context.WithTimeout(detached, s.gateway.Timeout())
	defer cancel()

	resp, err := s.gateway.Confirm(gwCtx, payload)
	if err != nil {
		if gwErr, ok := paymentgateway.AsError(err); ok && gwErr.Kind == paymentgateway.KindStatus {
			s.logger.Warn("gateway answered confirmation with error status, relaying",
				"reference", reference,
				"status_code", gwErr.StatusCode)
			return &ConfirmResult{StatusCode: gwErr.StatusCode, Body: relayBody(gwErr.Body)}, nil
		}
		return nil, s.gatewayError("confirm", reference, err)
	}

	advanced, err := s.ledger.AdvanceToProxyCalled(detached, reference)
	if err != nil {
		// proxy_called is advisory, the verdict is still relayed
		s.logger.Error("failed to record confirmation handoff",
			"error", err,
			"reference", reference,
			"gateway_status", resp.Status)
	}

	s.logger.Info("payment confirmation relayed",
		"reference", reference,
		"gateway_status", resp.Status,
		"status_code", resp.StatusCode,
		"advanced", advanced)

	return &ConfirmResult{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       resp.Raw,
		Advanced:   advanced,
	}, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, reference string) (*PaymentView, error) {
	attempt, err := s.ledger.Get(ctx, reference)
	if err != nil {
		return nil, s.ledgerError("failed to load payment", reference, err)
	}
	view := NewPaymentView(attempt)
	return &view, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, limit int) ([]PaymentView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	attempts, err := s.ledger.ListRecent(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list payments", "error", err)
		return nil, errors.NewInternalError("failed to list payments", err)
	}

	views := make([]PaymentView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, NewPaymentView(a))
	}
	return views, nil
}

// GetReceipt relays the gateway's receipt. JSON receipts are cached on the ledger row;
// nothing else about the row is changed.
func (s *PaymentService) GetReceipt(ctx context.Context, req ReceiptRequest) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	format := gatewaytypes.ReceiptFormat(req.Format)
	if format == "" {
		format = gatewaytypes.ReceiptFormatJSON
	}

	var (
		attempt *payment.PaymentAttempt
		err     error
	)
	if req.GatewayPaymentID != "" {
		attempt, err = s.ledger.GetByGatewayPaymentID(ctx, req.GatewayPaymentID)
	} else {
		attempt, err = s.ledger.Get(ctx, req.Reference)
	}
	if err != nil {
		return nil, s.ledgerError("failed to load payment", req.Reference+req.GatewayPaymentID, err)
	}

	if format == gatewaytypes.ReceiptFormatJSON && !req.Refresh && len(attempt.ReceiptCache) > 0 {
		return &Receipt{
			Reference:   attempt.Reference,
			ContentType: "application/json",
			Body:        attempt.ReceiptCache,
			Cached:      true,
		}, nil
	}

	query := gatewaytypes.ReceiptQuery{Reference: attempt.Reference, Format: format}
	if req.GatewayPaymentID != "" {
		query.GatewayPaymentID = req.GatewayPaymentID
	}

	receipt, err := s.gateway.Receipt(ctx, query)
	if err != nil {
		return nil, s.gatewayError("receipt", attempt.Reference, err)
	}

	if format == gatewaytypes.ReceiptFormatJSON {
		if err := s.ledger.CacheReceipt(ctx, attempt.Reference, receipt.Body); err != nil {
			s.logger.Warn("failed to cache receipt", "error", err, "reference", attempt.Reference)
		}
	}

	return &Receipt{
		Reference:   attempt.Reference,
		ContentType: receipt.ContentType,
		Body:        receipt.Body,
	}, nil
}

func (s *PaymentService) gatewayError(op, reference string, err error) error {
	gwErr, ok := paymentgateway.AsError(err)
	if !ok {
		s.logger.Error("gateway call failed", "op", op, "error", err, "reference", reference)
		return errors.NewInternalError("payment gateway call failed", err)
	}

	switch gwErr.Kind {
	case paymentgateway.KindUnavailable:
		if gwErr.Timeout {
			s.logger.Warn("gateway timed out, outcome unknown, reconciliation candidate",
				"op", op,
				"reference", reference,
				"error", err)
			return errors.NewUpstreamUnavailableError("payment gateway did not answer in time, the outcome is unknown", true, err).
				WithDetails(map[string]string{"reference": reference})
		}
		s.logger.Warn("gateway unavailable", "op", op, "reference", reference, "error", err)
		return errors.NewUpstreamUnavailableError("payment gateway is unavailable", false, err)
	case paymentgateway.KindMalformed:
		s.logger.Error("gateway answered with malformed body, manual reconciliation required",
			"op", op,
			"reference", reference,
			"status_code", gwErr.StatusCode,
			"error", err)
		return errors.NewUpstreamMalformedError("payment gateway returned an unexpected response", err).
			WithDetails(map[string]string{"reference": reference})
	default:
		s.logger.Warn("gateway returned error status",
			"op", op,
			"reference", reference,
			"status_code", gwErr.StatusCode)
		return errors.NewUpstreamStatusError(fmt.Sprintf("payment gateway returned status %d", gwErr.StatusCode), gwErr.StatusCode, err).
			WithDetails(relayBody(gwErr.Body))
	}
}

func (s *PaymentService) ledgerError(message, reference string, err error) error {
	if stderrors.Is(err, errors.ErrPaymentNotFound) {
		return err
	}
	s.logger.Error(message, "error", err, "reference", reference)
	return errors.NewInternalError(message, err)
}

func (s *PaymentService) raiseOrphanedSession(ctx context.Context, reference, tramiteCode string) {
	if s.notifier == nil || s.treasuryRole == "" {
		return
	}
	n := &notification.Notification{
		Title:           "Sesion de pago sin registrar",
		Message:         fmt.Sprintf("La pasarela abrio la sesion %s (%s) pero no pudo registrarse en el libro de pagos.", reference, tramiteCode),
		Kind:            NotificationKindOrphanedSession,
		DestinationType: notification.DestinationRole,
	}
	n.SetRoleIDs([]string{s.treasuryRole})
	if _, err := s.notifier.Publish(ctx, n); err != nil {
		s.logger.Error("failed to raise orphaned session notification", "error", err, "reference", reference)
	}
}

func startResponse(p *payment.PaymentAttempt, created bool) *StartPaymentResponse {
	resp := &StartPaymentResponse{
		Reference:  p.Reference,
		PaymentURL: p.PaymentURL,
		State:      string(p.State),
		Created:    created,
	}
	if p.Tramite != nil {
		resp.Tramite = *p.Tramite
	}
	if p.Amount.Valid {
		resp.Amount = p.Amount.Decimal.StringFixed(2)
	}
	return resp
}

// relayBody keeps a JSON body as-is and wraps anything else as a JSON string.
func relayBody(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
