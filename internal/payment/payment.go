package payment

import (
	"context"
	"strings"
	"time"

	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/tramite-payments/internal/core/datamodel/paymentgateway"
)

// Ledger is the durable record of payment attempts. Every state change is a single
// guarded UPDATE so concurrent legs for one reference serialize in the database.
type Ledger interface {
	// RecordAttempt inserts the attempt unless the reference exists, in which case the
	// existing id is returned with created=false and the row is left untouched.
	RecordAttempt(ctx context.Context, a payment.NewAttempt) (id int64, created bool, err error)
	// AdvanceToProxyCalled moves pending to proxy_called and is a no-op from any later state.
	AdvanceToProxyCalled(ctx context.Context, reference string) (advanced bool, err error)
	// MarkTerminal records the out-of-band outcome. Repeating the recorded outcome is a
	// no-op (applied=false); a different outcome returns ErrStateConflict.
	MarkTerminal(ctx context.Context, reference string, outcome payment.State, gatewayPaymentID, failureReason *string) (*payment.PaymentAttempt, bool, error)
	Get(ctx context.Context, reference string) (*payment.PaymentAttempt, error)
	// GetByIdempotencyKey matches the caller's reference against both the stored
	// reference and the idempotency key.
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.PaymentAttempt, error)
	GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*payment.PaymentAttempt, error)
	ListRecent(ctx context.Context, limit int) ([]*payment.PaymentAttempt, error)
	CacheReceipt(ctx context.Context, reference string, receipt []byte) error
	FlagForReconciliation(ctx context.Context, reference string) (bool, error)
}

// StaleAttempt is a non-terminal attempt the reconciliation sweep picked up.
type StaleAttempt struct {
	Reference   string    `db:"reference"`
	State       string    `db:"state"`
	Tramite     *string   `db:"tramite"`
	PayerUserID *string   `db:"payer_user_id"`
	CreatedAt   time.Time `db:"created_at"`
}

type StaleFinder interface {
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]StaleAttempt, error)
}

type Gateway interface {
	Begin(ctx context.Context, req gatewaytypes.BeginRequest) (*gatewaytypes.BeginResponse, error)
	Confirm(ctx context.Context, encryptedPayload string) (*gatewaytypes.ConfirmResponse, error)
	Receipt(ctx context.Context, q gatewaytypes.ReceiptQuery) (*gatewaytypes.Receipt, error)
	Timeout() time.Duration
}

// Notifier persists a notification and broadcasts it best-effort.
type Notifier interface {
	Publish(ctx context.Context, n *notification.Notification) (int64, error)
}

const (
	NotificationKindPaymentConfirmed = "payment.confirmed"
	NotificationKindPaymentFailed    = "payment.failed"
	NotificationKindStateConflict    = "payment.state_conflict"
	NotificationKindReconciliation   = "payment.reconciliation"
	NotificationKindOrphanedSession  = "payment.orphaned_session"
)

// ParseOutcome maps the gateway's outcome vocabulary onto terminal ledger states.
func ParseOutcome(s string) (payment.State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirmed", "success", "succeeded", "paid":
		return payment.StateConfirmed, true
	case "failed", "failure", "rejected", "error":
		return payment.StateFailed, true
	}
	return "", false
}
