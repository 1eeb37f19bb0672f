package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentConfirmed        = "payment.confirmed"
	EventTypePaymentFailed           = "payment.failed"
	EventTypePaymentStateConflict    = "payment.state_conflict"
	EventTypeReconciliationCandidate = "payment.reconciliation_candidate"
)

// PaymentTerminalEvent is emitted once per reference when the ledger records a terminal outcome.
type PaymentTerminalEvent struct {
	BaseEvent
	Reference        string `json:"reference"`
	Outcome          string `json:"outcome"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	PayerUserID      string `json:"payer_user_id,omitempty"`
	Tramite          string `json:"tramite,omitempty"`
	Amount           string `json:"amount,omitempty"`
}

func NewPaymentTerminalEvent(reference, outcome, gatewayPaymentID, payerUserID, tramite, amount string) *PaymentTerminalEvent {
	eventType := EventTypePaymentFailed
	if outcome == "confirmed" {
		eventType = EventTypePaymentConfirmed
	}

	return &PaymentTerminalEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"reference":          reference,
				"outcome":            outcome,
				"gateway_payment_id": gatewayPaymentID,
				"payer_user_id":      payerUserID,
				"tramite":            tramite,
				"amount":             amount,
			},
		},
		Reference:        reference,
		Outcome:          outcome,
		GatewayPaymentID: gatewayPaymentID,
		PayerUserID:      payerUserID,
		Tramite:          tramite,
		Amount:           amount,
	}
}

type PaymentStateConflictEvent struct {
	BaseEvent
	Reference       string `json:"reference"`
	RecordedOutcome string `json:"recorded_outcome"`
	ClaimedOutcome  string `json:"claimed_outcome"`
}

func NewPaymentStateConflictEvent(reference, recorded, claimed string) *PaymentStateConflictEvent {
	return &PaymentStateConflictEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentStateConflict,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"reference":        reference,
				"recorded_outcome": recorded,
				"claimed_outcome":  claimed,
			},
		},
		Reference:       reference,
		RecordedOutcome: recorded,
		ClaimedOutcome:  claimed,
	}
}

type ReconciliationCandidateEvent struct {
	BaseEvent
	Reference string `json:"reference"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
}

func NewReconciliationCandidateEvent(reference, state, reason string) *ReconciliationCandidateEvent {
	return &ReconciliationCandidateEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeReconciliationCandidate,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"reference": reference,
				"state":     state,
				"reason":    reason,
			},
		},
		Reference: reference,
		State:     state,
		Reason:    reason,
	}
}
