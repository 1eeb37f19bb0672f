package payment

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type State string

const (
	StatePending     State = "pending"
	StateProxyCalled State = "proxy_called"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// OpenStates are the states a terminal transition may start from.
var OpenStates = []State{StatePending, StateProxyCalled}

// PaymentAttempt is one row of the payment ledger. Rows are never deleted.
// ConfirmedAt is when the terminal outcome, confirmed or failed, was recorded.
type PaymentAttempt struct {
	ID                      int64               `json:"id" gorm:"primaryKey"`
	Reference               string              `json:"reference" gorm:"column:reference;not null;uniqueIndex"`
	IdempotencyKey          *string             `json:"idempotencyKey,omitempty" gorm:"column:idempotency_key;uniqueIndex"`
	Tramite                 *string             `json:"tramite,omitempty" gorm:"column:tramite"`
	Amount                  decimal.NullDecimal `json:"amount" gorm:"column:amount;type:numeric(14,2)"`
	State                   State               `json:"state" gorm:"column:state;not null;default:pending;index"`
	PaymentURL              string              `json:"paymentUrl" gorm:"column:payment_url;not null"`
	EncryptedRequestBlob    string              `json:"-" gorm:"column:encrypted_request_blob;not null"`
	GatewayPaymentID        *string             `json:"gatewayPaymentId,omitempty" gorm:"column:gateway_payment_id;index"`
	PayerUserID             *string             `json:"payerUserId,omitempty" gorm:"column:payer_user_id"`
	FailureReason           *string             `json:"failureReason,omitempty" gorm:"column:failure_reason"`
	ReceiptCache            datatypes.JSON      `json:"-" gorm:"column:receipt_cache"`
	ReceiptCachedAt         *time.Time          `json:"receiptCachedAt,omitempty" gorm:"column:receipt_cached_at"`
	ReconciliationFlaggedAt *time.Time          `json:"reconciliationFlaggedAt,omitempty" gorm:"column:reconciliation_flagged_at"`
	ConfirmedAt             *time.Time          `json:"confirmedAt,omitempty" gorm:"column:confirmed_at"`
	CreatedAt               time.Time           `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt               time.Time           `json:"updatedAt" gorm:"column:updated_at"`
}

func (PaymentAttempt) TableName() string {
	return "payment_attempts"
}

// NewAttempt carries what the initiation leg knows once the gateway opened a session.
// IdempotencyKey is the caller's reference, kept when the gateway assigned its own.
type NewAttempt struct {
	Reference            string
	IdempotencyKey       string
	Tramite              string
	Amount               decimal.NullDecimal
	PaymentURL           string
	EncryptedRequestBlob string
	PayerUserID          string
}
