package payment_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	paymentPkg "github.com/frahmantamala/tramite-payments/internal/payment"
	"github.com/frahmantamala/tramite-payments/internal/payment/postgres"
	"github.com/frahmantamala/tramite-payments/internal/tramite"
)

// brokenLedger fails every write so the orphaned-session path can be exercised.
type brokenLedger struct {
	*postgres.PaymentRepository
}

func (l brokenLedger) RecordAttempt(ctx context.Context, a payment.NewAttempt) (int64, bool, error) {
	return 0, false, fmt.Errorf("connection reset by peer")
}

var _ = Describe("PaymentService", func() {
	var (
		ctx      context.Context
		gateway  *fakeGateway
		ledger   *postgres.PaymentRepository
		notifier *recordingNotifier
		catalog  *tramite.Catalog
		service  *paymentPkg.PaymentService
	)

	BeforeEach(func() {
		ctx = context.Background()
		gateway = newFakeGateway()
		ledger = openLedger()
		notifier = &recordingNotifier{}

		var err error
		catalog, err = tramite.NewCatalog(nil)
		Expect(err).ToNot(HaveOccurred())

		service = paymentPkg.NewPaymentService(ledger, gateway.Client(300*time.Millisecond), catalog, notifier, "tesoreria", quietLogger())
	})

	AfterEach(func() {
		gateway.Close()
	})

	Describe("StartPayment", func() {
		It("should resolve the catalog cost and record a pending attempt", func() {
			// When
			resp, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Reference).ToNot(BeEmpty())
			Expect(resp.PaymentURL).To(Equal("https://gateway.test/pay/" + resp.Reference))
			Expect(resp.Created).To(BeTrue())
			Expect(resp.Amount).To(Equal("1.00"))

			row, err := ledger.Get(ctx, resp.Reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(row.State).To(Equal(payment.StatePending))
			Expect(*row.Tramite).To(Equal("licencia"))
			Expect(row.Amount.Decimal.Equal(decimal.RequireFromString("1.00"))).To(BeTrue())
			Expect(*row.PayerUserID).To(Equal("42"))
			Expect(row.EncryptedRequestBlob).To(Equal("IV:CIPHERTEXT"))
		})

		It("should not open a second gateway session for a known reference", func() {
			first, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Reference: "idem-1"}, "42")
			Expect(err).ToNot(HaveOccurred())

			second, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Reference: "idem-1"}, "42")

			Expect(err).ToNot(HaveOccurred())
			Expect(second.Created).To(BeFalse())
			Expect(second.PaymentURL).To(Equal(first.PaymentURL))
			beginCalls, _, _ := gateway.Calls()
			Expect(beginCalls).To(Equal(1))
		})

		It("should honour the caller's reference when the gateway assigns its own", func() {
			gateway.Set(func(g *fakeGateway) {
				g.begin = func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, map[string]interface{}{
						"success":              true,
						"paymentUrl":           "https://gateway.test/pay/GW-ASSIGNED",
						"encryptedRequestBlob": "IV:CIPHERTEXT",
						"reference":            "GW-ASSIGNED",
					})
				}
			})

			first, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Reference: "client-key-1"}, "42")
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Reference).To(Equal("GW-ASSIGNED"))
			Expect(first.Created).To(BeTrue())

			second, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Reference: "client-key-1"}, "42")

			Expect(err).ToNot(HaveOccurred())
			Expect(second.Reference).To(Equal("GW-ASSIGNED"))
			Expect(second.Created).To(BeFalse())
			beginCalls, _, _ := gateway.Calls()
			Expect(beginCalls).To(Equal(1))

			row, err := ledger.Get(ctx, "GW-ASSIGNED")
			Expect(err).ToNot(HaveOccurred())
			Expect(*row.IdempotencyKey).To(Equal("client-key-1"))
		})

		It("should reject an unknown tramite without calling the gateway", func() {
			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "pasaporte"}, "42")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			beginCalls, _, _ := gateway.Calls()
			Expect(beginCalls).To(BeZero())
		})

		It("should reject an amount that differs from the fixed cost", func() {
			amount := decimal.RequireFromString("2.00")

			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Amount: &amount}, "42")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(errors.ErrorTypeValidation))
		})

		It("should surface a gateway rejection verbatim", func() {
			gateway.Set(func(g *fakeGateway) {
				g.begin = func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": "tramite cerrado"})
				}
			})

			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(errors.ErrCodePaymentRejected))
			Expect(appErr.Message).To(Equal("tramite cerrado"))
			rows, _ := ledger.ListRecent(ctx, 10)
			Expect(rows).To(BeEmpty())
		})

		It("should report a gateway timeout as unknown outcome", func() {
			gateway.Set(func(g *fakeGateway) {
				g.begin = func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(600 * time.Millisecond)
				}
			})

			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusGatewayTimeout))
			Expect(appErr.Code).To(Equal(errors.ErrCodeGatewayTimeout))
		})

		It("should report a malformed gateway answer as a bad gateway", func() {
			gateway.Set(func(g *fakeGateway) {
				g.begin = func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte("<html>oops</html>"))
				}
			})

			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("should report a ledger failure after begin and raise an orphaned session", func() {
			service = paymentPkg.NewPaymentService(brokenLedger{ledger}, gateway.Client(time.Second), catalog, notifier, "tesoreria", quietLogger())

			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia", Reference: "orphan-1"}, "42")

			Expect(stderrors.Is(err, errors.ErrLedgerWriteFailed)).To(BeTrue())
			sent := notifier.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Kind).To(Equal(paymentPkg.NotificationKindOrphanedSession))
			Expect(sent[0].DestinationType).To(Equal(notification.DestinationRole))
			Expect(sent[0].RoleIDs()).To(Equal([]string{"tesoreria"}))
		})
	})

	Describe("ConfirmPayment", func() {
		var reference string

		BeforeEach(func() {
			resp, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
			Expect(err).ToNot(HaveOccurred())
			reference = resp.Reference
		})

		It("should relay success and only advance to proxy_called", func() {
			// When
			result, err := service.ConfirmPayment(ctx, reference, paymentPkg.ConfirmPaymentRequest{EncryptedRequestBlob: "IV:CIPHERTEXT"})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(result.StatusCode).To(Equal(http.StatusOK))
			Expect(result.Advanced).To(BeTrue())

			var body map[string]string
			Expect(json.Unmarshal(result.Body, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("success"))

			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StateProxyCalled))
			Expect(row.ConfirmedAt).To(BeNil())
		})

		It("should replay the stored blob when none is given", func() {
			_, err := service.ConfirmPayment(ctx, reference, paymentPkg.ConfirmPaymentRequest{})

			Expect(err).ToNot(HaveOccurred())
			Expect(gateway.LastPayload()).To(Equal("IV:CIPHERTEXT"))
		})

		It("should advance on a rejected verdict too", func() {
			gateway.Set(func(g *fakeGateway) {
				g.confirm = func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "message": "fondos insuficientes"})
				}
			})

			result, err := service.ConfirmPayment(ctx, reference, paymentPkg.ConfirmPaymentRequest{})

			Expect(err).ToNot(HaveOccurred())
			Expect(string(result.Status)).To(Equal("rejected"))
			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StateProxyCalled))
		})

		It("should relay an error status verbatim without advancing", func() {
			gateway.Set(func(g *fakeGateway) {
				g.confirm = func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusConflict, map[string]string{"error": "session expired"})
				}
			})

			result, err := service.ConfirmPayment(ctx, reference, paymentPkg.ConfirmPaymentRequest{})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.StatusCode).To(Equal(http.StatusConflict))
			Expect(string(result.Body)).To(MatchJSON(`{"error":"session expired"}`))
			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StatePending))
		})

		It("should not advance when the verdict is malformed", func() {
			gateway.Set(func(g *fakeGateway) {
				g.confirm = func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(`{"status":"maybe"}`))
				}
			})

			_, err := service.ConfirmPayment(ctx, reference, paymentPkg.ConfirmPaymentRequest{})

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadGateway))
			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StatePending))
		})

		It("should return not found for an unknown reference without calling the gateway", func() {
			_, err := service.ConfirmPayment(ctx, "nope", paymentPkg.ConfirmPaymentRequest{EncryptedRequestBlob: "x"})

			Expect(stderrors.Is(err, errors.ErrPaymentNotFound)).To(BeTrue())
			_, confirmCalls, _ := gateway.Calls()
			Expect(confirmCalls).To(BeZero())
		})

		It("should finish the confirmation when the caller goes away", func() {
			callerCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			gateway.Set(func(g *fakeGateway) {
				g.confirm = func(w http.ResponseWriter, r *http.Request) {
					cancel()
					time.Sleep(50 * time.Millisecond)
					writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
				}
			})

			_, err := service.ConfirmPayment(callerCtx, reference, paymentPkg.ConfirmPaymentRequest{})

			Expect(err).ToNot(HaveOccurred())
			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StateProxyCalled))
		})
	})

	Describe("GetReceipt", func() {
		var reference string

		BeforeEach(func() {
			resp, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
			Expect(err).ToNot(HaveOccurred())
			reference = resp.Reference
		})

		It("should fetch a json receipt once and then serve it from the cache", func() {
			first, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference})
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Cached).To(BeFalse())

			second, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference})

			Expect(err).ToNot(HaveOccurred())
			Expect(second.Cached).To(BeTrue())
			Expect(second.Body).To(MatchJSON(first.Body))
			_, _, receiptCalls := gateway.Calls()
			Expect(receiptCalls).To(Equal(1))
		})

		It("should bypass the cache on refresh", func() {
			_, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference})
			Expect(err).ToNot(HaveOccurred())

			_, err = service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference, Refresh: true})

			Expect(err).ToNot(HaveOccurred())
			_, _, receiptCalls := gateway.Calls()
			Expect(receiptCalls).To(Equal(2))
		})

		It("should relay a pdf without changing the ledger state", func() {
			receipt, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference, Format: "pdf"})

			Expect(err).ToNot(HaveOccurred())
			Expect(receipt.ContentType).To(Equal("application/pdf"))
			row, _ := ledger.Get(ctx, reference)
			Expect(row.State).To(Equal(payment.StatePending))
			Expect(row.ReceiptCache).To(BeEmpty())
		})

		It("should require the attempt to exist", func() {
			_, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: "missing"})

			Expect(stderrors.Is(err, errors.ErrPaymentNotFound)).To(BeTrue())
		})

		It("should reject an unsupported format", func() {
			_, err := service.GetReceipt(ctx, paymentPkg.ReceiptRequest{Reference: reference, Format: "xml"})

			appErr, ok := errors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("ListPayments", func() {
		It("should return views without the encrypted blob", func() {
			_, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
			Expect(err).ToNot(HaveOccurred())

			views, err := service.ListPayments(ctx, 0)

			Expect(err).ToNot(HaveOccurred())
			Expect(views).To(HaveLen(1))
			raw, _ := json.Marshal(views[0])
			Expect(string(raw)).ToNot(ContainSubstring("CIPHERTEXT"))
			Expect(*views[0].Amount).To(Equal("1.00"))
		})
	})
})
