package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/tramite-payments/internal/core/events"
)

// CallbackInput is an out-of-band outcome after parsing; Outcome is already a terminal state.
type CallbackInput struct {
	Reference        string
	Outcome          payment.State
	GatewayPaymentID string
	FailureReason    string
}

// OutcomeProcessor applies gateway-reported outcomes to the ledger and fans out the
// consequences. The ledger write comes first; notifications and events only follow a
// transition that actually applied.
type OutcomeProcessor struct {
	ledger       Ledger
	notifier     Notifier
	eventBus     *events.EventBus
	treasuryRole string
	logger       *slog.Logger
}

func NewOutcomeProcessor(ledger Ledger, notifier Notifier, eventBus *events.EventBus, treasuryRole string, logger *slog.Logger) *OutcomeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeProcessor{
		ledger:       ledger,
		notifier:     notifier,
		eventBus:     eventBus,
		treasuryRole: treasuryRole,
		logger:       logger,
	}
}

// Process returns applied=false when the outcome was already recorded.
func (p *OutcomeProcessor) Process(ctx context.Context, in CallbackInput) (bool, error) {
	if !in.Outcome.IsTerminal() {
		return false, errors.NewValidationFieldError("outcome", fmt.Sprintf("outcome %q is not terminal", in.Outcome), errors.ErrCodeInvalidOutcome)
	}

	var gatewayPaymentID, failureReason *string
	if in.GatewayPaymentID != "" {
		gatewayPaymentID = &in.GatewayPaymentID
	}
	if in.FailureReason != "" {
		failureReason = &in.FailureReason
	}

	attempt, applied, err := p.ledger.MarkTerminal(ctx, in.Reference, in.Outcome, gatewayPaymentID, failureReason)
	if err != nil {
		if stderrors.Is(err, errors.ErrStateConflict) {
			p.handleConflict(ctx, in, err)
		}
		return false, err
	}

	if !applied {
		p.logger.Info("outcome already recorded, nothing to do",
			"reference", in.Reference,
			"outcome", in.Outcome)
		return false, nil
	}

	p.logger.Info("payment outcome recorded",
		"reference", in.Reference,
		"outcome", in.Outcome,
		"gateway_payment_id", in.GatewayPaymentID)

	p.notifyOutcome(ctx, attempt)
	p.publishTerminalEvent(ctx, attempt)

	return true, nil
}

func (p *OutcomeProcessor) notifyOutcome(ctx context.Context, attempt *payment.PaymentAttempt) {
	if p.notifier == nil {
		return
	}

	kind := NotificationKindPaymentFailed
	title := "Pago rechazado"
	message := fmt.Sprintf("El pago %s no pudo completarse.", attempt.Reference)
	if attempt.State == payment.StateConfirmed {
		kind = NotificationKindPaymentConfirmed
		title = "Pago confirmado"
		message = fmt.Sprintf("El pago %s fue confirmado.", attempt.Reference)
	}
	if attempt.Tramite != nil {
		message = fmt.Sprintf("%s Tramite: %s.", message, *attempt.Tramite)
	}

	n := &notification.Notification{
		Title:   title,
		Message: message,
		Kind:    kind,
	}
	switch {
	case attempt.PayerUserID != nil && *attempt.PayerUserID != "":
		n.DestinationType = notification.DestinationUser
		n.DestinationUserID = attempt.PayerUserID
	case p.treasuryRole != "":
		n.DestinationType = notification.DestinationRole
		n.SetRoleIDs([]string{p.treasuryRole})
	default:
		p.logger.Warn("outcome has no addressee, notification skipped",
			"reference", attempt.Reference,
			"kind", kind)
		return
	}

	// the ledger is already authoritative, a lost notification is logged and not retried
	if _, err := p.notifier.Publish(context.WithoutCancel(ctx), n); err != nil {
		p.logger.Error("failed to persist outcome notification",
			"error", err,
			"reference", attempt.Reference,
			"kind", kind)
	}
}

func (p *OutcomeProcessor) publishTerminalEvent(ctx context.Context, attempt *payment.PaymentAttempt) {
	if p.eventBus == nil {
		return
	}

	var gatewayPaymentID, payer, tramiteCode, amount string
	if attempt.GatewayPaymentID != nil {
		gatewayPaymentID = *attempt.GatewayPaymentID
	}
	if attempt.PayerUserID != nil {
		payer = *attempt.PayerUserID
	}
	if attempt.Tramite != nil {
		tramiteCode = *attempt.Tramite
	}
	if attempt.Amount.Valid {
		amount = attempt.Amount.Decimal.StringFixed(2)
	}

	event := events.NewPaymentTerminalEvent(attempt.Reference, string(attempt.State), gatewayPaymentID, payer, tramiteCode, amount)
	p.eventBus.Publish(ctx, event)
	p.logger.Debug("published payment terminal event",
		"event_id", event.EventID(),
		"event_type", event.EventType(),
		"reference", attempt.Reference)
}

func (p *OutcomeProcessor) handleConflict(ctx context.Context, in CallbackInput, err error) {
	recorded := ""
	if appErr, ok := errors.IsAppError(err); ok {
		if details, ok := appErr.Details.(map[string]string); ok {
			recorded = details["recorded"]
		}
	}

	p.logger.Error("conflicting outcome for a terminal payment",
		"reference", in.Reference,
		"recorded", recorded,
		"claimed", in.Outcome,
		"gateway_payment_id", in.GatewayPaymentID)

	if p.eventBus != nil {
		p.eventBus.Publish(ctx, events.NewPaymentStateConflictEvent(in.Reference, recorded, string(in.Outcome)))
	}

	if p.notifier == nil || p.treasuryRole == "" {
		return
	}
	n := &notification.Notification{
		Title:           "Conflicto de estado de pago",
		Message:         fmt.Sprintf("La pasarela informo %s para el pago %s, que ya estaba registrado como %s.", in.Outcome, in.Reference, recorded),
		Kind:            NotificationKindStateConflict,
		DestinationType: notification.DestinationRole,
	}
	n.SetRoleIDs([]string{p.treasuryRole})
	if _, nerr := p.notifier.Publish(context.WithoutCancel(ctx), n); nerr != nil {
		p.logger.Error("failed to raise state conflict notification", "error", nerr, "reference", in.Reference)
	}
}
