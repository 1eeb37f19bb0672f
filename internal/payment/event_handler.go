package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/tramite-payments/internal/core/events"
)

type Archiver interface {
	Enqueue(job ArchiveJob) error
}

// EventHandler reacts to payment domain events published by the outcome processor.
type EventHandler struct {
	archiver Archiver
	logger   *slog.Logger
}

func NewEventHandler(archiver Archiver, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		archiver: archiver,
		logger:   logger,
	}
}

func (h *EventHandler) HandlePaymentConfirmed(ctx context.Context, event events.Event) error {
	confirmed, ok := event.(*events.PaymentTerminalEvent)
	if !ok {
		h.logger.Error("invalid event type for payment confirmed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentTerminalEvent, got %T", event)
	}

	if h.archiver == nil {
		h.logger.Debug("receipt archive disabled", "reference", confirmed.Reference)
		return nil
	}

	h.logger.Info("handling payment confirmed event for receipt archive",
		"reference", confirmed.Reference,
		"gateway_payment_id", confirmed.GatewayPaymentID,
		"event_id", confirmed.EventID())

	err := h.archiver.Enqueue(ArchiveJob{
		Reference:        confirmed.Reference,
		GatewayPaymentID: confirmed.GatewayPaymentID,
	})
	if err != nil {
		return fmt.Errorf("archive receipt for %s: %w", confirmed.Reference, err)
	}
	return nil
}

func (h *EventHandler) HandlePaymentStateConflict(ctx context.Context, event events.Event) error {
	conflict, ok := event.(*events.PaymentStateConflictEvent)
	if !ok {
		return fmt.Errorf("expected PaymentStateConflictEvent, got %T", event)
	}

	h.logger.Error("payment state conflict requires manual review",
		"reference", conflict.Reference,
		"recorded", conflict.RecordedOutcome,
		"claimed", conflict.ClaimedOutcome,
		"event_id", conflict.EventID())
	return nil
}

// RegisterEventHandlers subscribes the handlers and returns a func that removes them.
func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) func() {
	unsubscribers := []func(){
		eventBus.Subscribe(events.EventTypePaymentConfirmed, h.HandlePaymentConfirmed),
		eventBus.Subscribe(events.EventTypePaymentStateConflict, h.HandlePaymentStateConflict),
	}

	h.logger.Info("payment event handlers registered",
		"handlers", []string{events.EventTypePaymentConfirmed, events.EventTypePaymentStateConflict})

	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}
