package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/common/validation"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/tramite-payments/internal/core/datamodel/paymentgateway"
)

// StartPaymentRequest is the start-payment input. Reference is an optional idempotency key.
type StartPaymentRequest struct {
	Tramite   string           `json:"tramite"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reference string           `json:"reference,omitempty"`
}

func (r *StartPaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("tramite", r.Tramite).Required().MaxLength(64)
	validator.Field("amount", r.Amount).PositiveDecimal(errors.ErrCodeInvalidAmount)
	validator.Field("reference", r.Reference).MaxLength(128)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type StartPaymentResponse struct {
	Reference  string `json:"reference"`
	PaymentURL string `json:"paymentUrl"`
	Tramite    string `json:"tramite"`
	Amount     string `json:"amount"`
	State      string `json:"state"`
	Created    bool   `json:"created"`
}

type ConfirmPaymentRequest struct {
	EncryptedRequestBlob string `json:"encryptedRequestBlob,omitempty"`
}

// ConfirmResult is the gateway's verdict as it must be relayed: status code and body untouched.
type ConfirmResult struct {
	StatusCode int                        `json:"statusCode"`
	Status     gatewaytypes.ConfirmStatus `json:"status,omitempty"`
	Body       json.RawMessage            `json:"body"`
	Advanced   bool                       `json:"-"`
}

type ReceiptRequest struct {
	Reference        string
	GatewayPaymentID string
	Format           string
	Refresh          bool
}

func (r *ReceiptRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("format", r.Format).OneOf(errors.ErrCodeInvalidFormat,
		string(gatewaytypes.ReceiptFormatJSON), string(gatewaytypes.ReceiptFormatPDF))
	if r.Reference == "" && r.GatewayPaymentID == "" {
		validator.Field("reference", r.Reference).Required()
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type Receipt struct {
	Reference   string
	ContentType string
	Body        []byte
	Cached      bool
}

// PaymentView is the client-facing shape of a ledger row. The encrypted blob is never exposed.
type PaymentView struct {
	Reference               string     `json:"reference"`
	Tramite                 *string    `json:"tramite,omitempty"`
	Amount                  *string    `json:"amount"`
	State                   string     `json:"state"`
	PaymentURL              string     `json:"paymentUrl"`
	GatewayPaymentID        *string    `json:"gatewayPaymentId,omitempty"`
	PayerUserID             *string    `json:"payerUserId,omitempty"`
	FailureReason           *string    `json:"failureReason,omitempty"`
	HasReceipt              bool       `json:"hasReceipt"`
	ReconciliationFlaggedAt *time.Time `json:"reconciliationFlaggedAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
	ConfirmedAt             *time.Time `json:"confirmedAt,omitempty"`
}

func NewPaymentView(p *payment.PaymentAttempt) PaymentView {
	v := PaymentView{
		Reference:               p.Reference,
		Tramite:                 p.Tramite,
		State:                   string(p.State),
		PaymentURL:              p.PaymentURL,
		GatewayPaymentID:        p.GatewayPaymentID,
		PayerUserID:             p.PayerUserID,
		FailureReason:           p.FailureReason,
		HasReceipt:              len(p.ReceiptCache) > 0,
		ReconciliationFlaggedAt: p.ReconciliationFlaggedAt,
		CreatedAt:               p.CreatedAt,
		UpdatedAt:               p.UpdatedAt,
		ConfirmedAt:             p.ConfirmedAt,
	}
	if p.Amount.Valid {
		s := p.Amount.Decimal.StringFixed(2)
		v.Amount = &s
	}
	return v
}
