package paymentgateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type ConfirmStatus string

const (
	ConfirmStatusSuccess  ConfirmStatus = "success"
	ConfirmStatusError    ConfirmStatus = "error"
	ConfirmStatusRejected ConfirmStatus = "rejected"
)

func (s ConfirmStatus) Valid() bool {
	switch s {
	case ConfirmStatusSuccess, ConfirmStatusError, ConfirmStatusRejected:
		return true
	}
	return false
}

type ReceiptFormat string

const (
	ReceiptFormatJSON ReceiptFormat = "json"
	ReceiptFormatPDF  ReceiptFormat = "pdf"
)

type BeginRequest struct {
	Tramite   string           `json:"tramite"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reference string           `json:"reference,omitempty"`
}

type BeginResponse struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	PaymentURL           string `json:"paymentUrl,omitempty"`
	EncryptedRequestBlob string `json:"encryptedRequestBlob,omitempty"`
	Reference            string `json:"reference,omitempty"`
}

type ConfirmRequest struct {
	EncryptedPayload string `json:"encryptedPayload"`
}

// ConfirmResponse keeps the raw body so callers can relay it unchanged.
type ConfirmResponse struct {
	StatusCode int             `json:"-"`
	Status     ConfirmStatus   `json:"status"`
	Message    string          `json:"message"`
	Raw        json.RawMessage `json:"-"`
}

type ReceiptQuery struct {
	Reference        string
	GatewayPaymentID string
	Format           ReceiptFormat
}

type Receipt struct {
	ContentType string
	Body        []byte
}
