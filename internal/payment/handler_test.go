package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/tramite-payments/internal"
	paymentpkg "github.com/frahmantamala/tramite-payments/internal/payment"
)

type mockPaymentService struct {
	startResp   *paymentpkg.StartPaymentResponse
	confirmResp *paymentpkg.ConfirmResult
	receipt     *paymentpkg.Receipt
	view        *paymentpkg.PaymentView
	err         error

	lastPayer   string
	lastConfirm paymentpkg.ConfirmPaymentRequest
	lastReceipt paymentpkg.ReceiptRequest
	lastLimit   int
}

func (m *mockPaymentService) StartPayment(ctx context.Context, req paymentpkg.StartPaymentRequest, payerUserID string) (*paymentpkg.StartPaymentResponse, error) {
	m.lastPayer = payerUserID
	return m.startResp, m.err
}

func (m *mockPaymentService) ConfirmPayment(ctx context.Context, reference string, req paymentpkg.ConfirmPaymentRequest) (*paymentpkg.ConfirmResult, error) {
	m.lastConfirm = req
	return m.confirmResp, m.err
}

func (m *mockPaymentService) GetPayment(ctx context.Context, reference string) (*paymentpkg.PaymentView, error) {
	return m.view, m.err
}

func (m *mockPaymentService) ListPayments(ctx context.Context, limit int) ([]paymentpkg.PaymentView, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return []paymentpkg.PaymentView{}, nil
}

func (m *mockPaymentService) GetReceipt(ctx context.Context, req paymentpkg.ReceiptRequest) (*paymentpkg.Receipt, error) {
	m.lastReceipt = req
	return m.receipt, m.err
}

var _ = ginkgo.Describe("PaymentHandler", func() {
	var (
		service *mockPaymentService
		router  *chi.Mux
	)

	do := func(method, target string, body []byte, principal *internal.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if principal != nil {
			req = req.WithContext(internal.ContextWithPrincipal(req.Context(), principal))
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	ginkgo.BeforeEach(func() {
		service = &mockPaymentService{}
		handler := paymentpkg.NewHandler(service, quietLogger())

		router = chi.NewRouter()
		router.Post("/payments", handler.StartPayment)
		router.Get("/payments", handler.ListPayments)
		router.Get("/payments/{reference}", handler.GetPayment)
		router.Post("/payments/{reference}/confirm", handler.ConfirmPayment)
		router.Get("/payments/{reference}/receipt", handler.GetReceiptByReference)
		router.Get("/receipts/{gatewayPaymentId}", handler.GetReceiptByGatewayID)
	})

	ginkgo.Describe("StartPayment", func() {
		ginkgo.It("should answer 201 with the payment url and pass the caller as payer", func() {
			service.startResp = &paymentpkg.StartPaymentResponse{Reference: "ref-1", PaymentURL: "https://gw/pay/1", Created: true}

			rec := do(http.MethodPost, "/payments", []byte(`{"tramite":"licencia"}`), &internal.Principal{UserID: "42"})

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusCreated))
			gomega.Expect(service.lastPayer).To(gomega.Equal("42"))
			var body map[string]interface{}
			gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
			gomega.Expect(body["paymentUrl"]).To(gomega.Equal("https://gw/pay/1"))
		})

		ginkgo.It("should answer 200 for an idempotent replay", func() {
			service.startResp = &paymentpkg.StartPaymentResponse{Reference: "ref-1", Created: false}

			rec := do(http.MethodPost, "/payments", []byte(`{"tramite":"licencia","reference":"ref-1"}`), nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		})

		ginkgo.It("should reject a body that is not JSON", func() {
			rec := do(http.MethodPost, "/payments", []byte(`tramite=licencia`), nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})

		ginkgo.DescribeTable("should map service errors to status codes",
			func(err error, status int) {
				service.err = err

				rec := do(http.MethodPost, "/payments", []byte(`{"tramite":"licencia"}`), nil)

				gomega.Expect(rec.Code).To(gomega.Equal(status))
				var body internal.Response
				gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
			},
			ginkgo.Entry("rejected", internal.NewPaymentRejectedError("cerrado"), http.StatusUnprocessableEntity),
			ginkgo.Entry("timeout", internal.NewUpstreamUnavailableError("slow", true, nil), http.StatusGatewayTimeout),
			ginkgo.Entry("unavailable", internal.NewUpstreamUnavailableError("down", false, nil), http.StatusServiceUnavailable),
			ginkgo.Entry("malformed", internal.NewUpstreamMalformedError("bad", nil), http.StatusBadGateway),
			ginkgo.Entry("ledger", internal.ErrLedgerWriteFailed, http.StatusInternalServerError),
		)
	})

	ginkgo.Describe("ConfirmPayment", func() {
		ginkgo.It("should relay the gateway status and body untouched", func() {
			service.confirmResp = &paymentpkg.ConfirmResult{StatusCode: http.StatusOK, Body: json.RawMessage(`{"status":"success","extra":1}`)}

			rec := do(http.MethodPost, "/payments/ref-1/confirm", []byte(`{"encryptedRequestBlob":"IV:CT"}`), nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(rec.Body.String()).To(gomega.Equal(`{"status":"success","extra":1}`))
			gomega.Expect(service.lastConfirm.EncryptedRequestBlob).To(gomega.Equal("IV:CT"))
		})

		ginkgo.It("should accept an empty body", func() {
			service.confirmResp = &paymentpkg.ConfirmResult{StatusCode: http.StatusConflict, Body: json.RawMessage(`{"error":"expired"}`)}

			rec := do(http.MethodPost, "/payments/ref-1/confirm", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusConflict))
			gomega.Expect(service.lastConfirm.EncryptedRequestBlob).To(gomega.BeEmpty())
		})

		ginkgo.It("should answer 404 for an unknown reference", func() {
			service.err = internal.ErrPaymentNotFound

			rec := do(http.MethodPost, "/payments/ref-x/confirm", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
		})
	})

	ginkgo.Describe("receipts", func() {
		ginkgo.It("should serve a pdf with its content type", func() {
			service.receipt = &paymentpkg.Receipt{ContentType: "application/pdf", Body: []byte("%PDF")}

			rec := do(http.MethodGet, "/receipts/gw-1?format=pdf", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(rec.Header().Get("Content-Type")).To(gomega.Equal("application/pdf"))
			gomega.Expect(service.lastReceipt.GatewayPaymentID).To(gomega.Equal("gw-1"))
			gomega.Expect(service.lastReceipt.Format).To(gomega.Equal("pdf"))
		})

		ginkgo.It("should pass the refresh flag and mark cache hits", func() {
			service.receipt = &paymentpkg.Receipt{ContentType: "application/json", Body: []byte(`{}`), Cached: true}

			rec := do(http.MethodGet, "/payments/ref-1/receipt?refresh=true", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastReceipt.Reference).To(gomega.Equal("ref-1"))
			gomega.Expect(service.lastReceipt.Refresh).To(gomega.BeTrue())
			gomega.Expect(rec.Header().Get("X-Receipt-Cache")).To(gomega.Equal("hit"))
		})
	})

	ginkgo.Describe("ListPayments", func() {
		ginkgo.It("should pass the limit through", func() {
			rec := do(http.MethodGet, "/payments?limit=5", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastLimit).To(gomega.Equal(5))
		})

		ginkgo.It("should reject a non-numeric limit", func() {
			rec := do(http.MethodGet, "/payments?limit=abc", nil, nil)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})
})
