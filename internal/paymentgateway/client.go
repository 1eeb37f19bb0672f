package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gatewaytypes "github.com/frahmantamala/tramite-payments/internal/core/datamodel/paymentgateway"
)

const defaultMaxBodyBytes = 10 << 20

type Kind string

const (
	// KindUnavailable is a transport failure. With Timeout set the outcome is unknown.
	KindUnavailable Kind = "unavailable"
	// KindStatus is a non-2xx answer; Body holds the gateway's response untouched.
	KindStatus Kind = "status"
	// KindMalformed is a 2xx answer whose body is not the expected shape.
	KindMalformed Kind = "malformed"
)

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       []byte
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case KindUnavailable:
		if e.Timeout {
			return fmt.Sprintf("gateway %s: timed out: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("gateway %s: unavailable: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s: malformed response: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a gateway *Error from err.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MaxBodyBytes caps a gateway answer; a longer one is malformed. Defaults to 10 MiB.
	MaxBodyBytes int64
}

// Client talks to the external payment gateway. It holds no per-payment state.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	maxBody int64
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		timeout: timeout,
		maxBody: maxBody,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) Begin(ctx context.Context, req gatewaytypes.BeginRequest) (*gatewaytypes.BeginResponse, error) {
	const op = "begin"

	c.logger.Info("gateway: begin payment",
		"reference", req.Reference,
		"tramite", req.Tramite,
		"amount", req.Amount)

	status, _, body, err := c.do(ctx, op, http.MethodPost, "/payments/begin", nil, req)
	if err != nil {
		return nil, err
	}
	if !is2xx(status) {
		return nil, c.statusError(op, status, body)
	}

	var wire struct {
		Success              *bool  `json:"success"`
		Message              string `json:"message"`
		PaymentURL           string `json:"paymentUrl"`
		EncryptedRequestBlob string `json:"encryptedRequestBlob"`
		Reference            string `json:"reference"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, c.malformed(op, status, body, err)
	}
	if wire.Success == nil {
		return nil, c.malformed(op, status, body, errors.New("missing success flag"))
	}

	resp := &gatewaytypes.BeginResponse{
		Success:              *wire.Success,
		Message:              wire.Message,
		PaymentURL:           wire.PaymentURL,
		EncryptedRequestBlob: wire.EncryptedRequestBlob,
		Reference:            wire.Reference,
	}
	if resp.Success && (resp.PaymentURL == "" || resp.EncryptedRequestBlob == "") {
		return nil, c.malformed(op, status, body, errors.New("success without paymentUrl or encryptedRequestBlob"))
	}

	c.logger.Info("gateway: begin payment answered",
		"reference", req.Reference,
		"success", resp.Success,
		BlobAttr("blob", resp.EncryptedRequestBlob))

	return resp, nil
}

// Confirm forwards the opaque payload. Non-2xx answers come back as a KindStatus *Error
// carrying the raw body so the caller can relay it.
func (c *Client) Confirm(ctx context.Context, encryptedPayload string) (*gatewaytypes.ConfirmResponse, error) {
	const op = "confirm"

	c.logger.Info("gateway: confirm payment", BlobAttr("payload", encryptedPayload))

	status, _, body, err := c.do(ctx, op, http.MethodPost, "/payments/confirm", nil,
		gatewaytypes.ConfirmRequest{EncryptedPayload: encryptedPayload})
	if err != nil {
		return nil, err
	}
	if !is2xx(status) {
		return nil, c.statusError(op, status, body)
	}

	var resp gatewaytypes.ConfirmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, c.malformed(op, status, body, err)
	}
	if !resp.Status.Valid() {
		return nil, c.malformed(op, status, body, fmt.Errorf("unexpected status %q", resp.Status))
	}

	resp.StatusCode = status
	resp.Raw = json.RawMessage(body)
	return &resp, nil
}

func (c *Client) Receipt(ctx context.Context, q gatewaytypes.ReceiptQuery) (*gatewaytypes.Receipt, error) {
	const op = "receipt"

	params := url.Values{}
	if q.GatewayPaymentID != "" {
		params.Set("id", q.GatewayPaymentID)
	} else {
		params.Set("reference", q.Reference)
	}
	format := q.Format
	if format == "" {
		format = gatewaytypes.ReceiptFormatJSON
	}
	params.Set("format", string(format))

	status, header, body, err := c.do(ctx, op, http.MethodGet, "/receipts", params, nil)
	if err != nil {
		return nil, err
	}
	if !is2xx(status) {
		return nil, c.statusError(op, status, body)
	}

	contentType := header.Get("Content-Type")
	switch format {
	case gatewaytypes.ReceiptFormatPDF:
		if contentType == "" {
			contentType = "application/pdf"
		}
		if len(body) == 0 {
			return nil, c.malformed(op, status, body, errors.New("empty document"))
		}
	default:
		if !json.Valid(body) {
			return nil, c.malformed(op, status, body, errors.New("receipt is not JSON"))
		}
		contentType = "application/json"
	}

	return &gatewaytypes.Receipt{ContentType: contentType, Body: body}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}) (int, http.Header, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json, application/pdf")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		timeout := isTimeout(err)
		c.logger.Error("gateway request failed",
			"op", op,
			"timeout", timeout,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return 0, nil, nil, &Error{Kind: KindUnavailable, Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		// the gateway already answered, so the outcome is unknown rather than failed
		return 0, nil, nil, &Error{Kind: KindUnavailable, Op: op, Timeout: true, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		c.logger.Error("gateway response exceeds the size limit",
			"op", op,
			"status_code", resp.StatusCode,
			"limit_bytes", c.maxBody)
		return 0, nil, nil, &Error{
			Kind:       KindMalformed,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body exceeds %d bytes", c.maxBody),
		}
	}

	c.logger.Debug("gateway response",
		"op", op,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) statusError(op string, status int, body []byte) error {
	c.logger.Warn("gateway returned error status", "op", op, "status_code", status)
	return &Error{Kind: KindStatus, Op: op, StatusCode: status, Body: body}
}

func (c *Client) malformed(op string, status int, body []byte, cause error) error {
	c.logger.Error("gateway returned malformed body",
		"op", op,
		"status_code", status,
		"body_size", len(body),
		"error", cause)
	return &Error{Kind: KindMalformed, Op: op, StatusCode: status, Body: body, Err: cause}
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BlobAttr logs an opaque gateway payload by length and a short prefix only.
func BlobAttr(key, blob string) slog.Attr {
	prefix := blob
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return slog.Group(key, "len", len(blob), "prefix", prefix)
}
