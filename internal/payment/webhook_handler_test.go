package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/tramite-payments/internal/core/events"
	paymentPkg "github.com/frahmantamala/tramite-payments/internal/payment"
	"github.com/frahmantamala/tramite-payments/internal/payment/postgres"
	"github.com/frahmantamala/tramite-payments/internal/tramite"
	"github.com/frahmantamala/tramite-payments/internal/transport"
)

var _ = Describe("Payment pipeline", func() {
	var (
		ctx       context.Context
		gateway   *fakeGateway
		ledger    *postgres.PaymentRepository
		notifier  *recordingNotifier
		bus       *events.EventBus
		service   *paymentPkg.PaymentService
		handler   *paymentPkg.WebhookHandler
		published chan events.Event
	)

	callback := func(body interface{}, secret string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set("Authorization", "Bearer "+secret)
		}
		rec := httptest.NewRecorder()
		handler.HandlePaymentCallback(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) paymentPkg.PaymentCallbackResponse {
		var resp paymentPkg.PaymentCallbackResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	BeforeEach(func() {
		ctx = context.Background()
		gateway = newFakeGateway()
		ledger = openLedger()
		notifier = &recordingNotifier{}
		bus = events.NewEventBus(quietLogger())

		published = make(chan events.Event, 10)
		record := func(ctx context.Context, e events.Event) error {
			published <- e
			return nil
		}
		bus.Subscribe(events.EventTypePaymentConfirmed, record)
		bus.Subscribe(events.EventTypePaymentFailed, record)
		bus.Subscribe(events.EventTypePaymentStateConflict, record)

		catalog, err := tramite.NewCatalog(nil)
		Expect(err).ToNot(HaveOccurred())
		service = paymentPkg.NewPaymentService(ledger, gateway.Client(time.Second), catalog, notifier, "tesoreria", quietLogger())

		processor := paymentPkg.NewOutcomeProcessor(ledger, notifier, bus, "tesoreria", quietLogger())
		handler = paymentPkg.NewWebhookHandler(transport.NewBaseHandler(quietLogger()), processor, "s3cret", quietLogger())
	})

	AfterEach(func() {
		gateway.Close()
	})

	It("should take a licencia from start to confirmed through the authoritative callback", func() {
		// Scenario A: start resolves the catalog cost
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
		Expect(err).ToNot(HaveOccurred())
		ref := started.Reference

		row, _ := ledger.Get(ctx, ref)
		Expect(row.State).To(Equal(payment.StatePending))
		Expect(row.Amount.Decimal.StringFixed(2)).To(Equal("1.00"))

		// Scenario B: the client-side confirmation only reaches proxy_called
		confirmed, err := service.ConfirmPayment(ctx, ref, paymentPkg.ConfirmPaymentRequest{EncryptedRequestBlob: "IV:CIPHERTEXT"})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(confirmed.Status)).To(Equal("success"))
		row, _ = ledger.Get(ctx, ref)
		Expect(row.State).To(Equal(payment.StateProxyCalled))

		// Scenario C: the callback is what confirms it
		rec := callback(map[string]string{"reference": ref, "outcome": "confirmed", "gatewayPaymentId": "gw-77"}, "s3cret")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec).Status).To(Equal("success"))

		row, _ = ledger.Get(ctx, ref)
		Expect(row.State).To(Equal(payment.StateConfirmed))
		Expect(row.ConfirmedAt).ToNot(BeNil())
		Expect(*row.GatewayPaymentID).To(Equal("gw-77"))

		sent := notifier.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].Kind).To(Equal(paymentPkg.NotificationKindPaymentConfirmed))
		Expect(sent[0].DestinationType).To(Equal(notification.DestinationUser))
		Expect(*sent[0].DestinationUserID).To(Equal("42"))

		var event events.Event
		Eventually(published).Should(Receive(&event))
		Expect(event.EventType()).To(Equal(events.EventTypePaymentConfirmed))

		// Scenario D: a contradicting callback is a conflict and changes nothing
		rec = callback(map[string]string{"reference": ref, "outcome": "failed"}, "s3cret")
		Expect(rec.Code).To(Equal(http.StatusConflict))
		Expect(decode(rec).Status).To(Equal("error"))

		row, _ = ledger.Get(ctx, ref)
		Expect(row.State).To(Equal(payment.StateConfirmed))

		sent = notifier.Sent()
		Expect(sent).To(HaveLen(2))
		Expect(sent[1].Kind).To(Equal(paymentPkg.NotificationKindStateConflict))
		Expect(sent[1].RoleIDs()).To(Equal([]string{"tesoreria"}))

		Eventually(published).Should(Receive(&event))
		Expect(event.EventType()).To(Equal(events.EventTypePaymentStateConflict))
	})

	It("should confirm straight from pending when the callback arrives first", func() {
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
		Expect(err).ToNot(HaveOccurred())

		rec := callback(map[string]string{"reference": started.Reference, "outcome": "success"}, "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		row, _ := ledger.Get(ctx, started.Reference)
		Expect(row.State).To(Equal(payment.StateConfirmed))

		// a late client-side confirmation never regresses the terminal state
		_, err = service.ConfirmPayment(ctx, started.Reference, paymentPkg.ConfirmPaymentRequest{})
		Expect(err).ToNot(HaveOccurred())
		row, _ = ledger.Get(ctx, started.Reference)
		Expect(row.State).To(Equal(payment.StateConfirmed))
	})

	It("should acknowledge a repeated callback without notifying twice", func() {
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
		Expect(err).ToNot(HaveOccurred())

		first := callback(map[string]string{"reference": started.Reference, "outcome": "rejected"}, "s3cret")
		second := callback(map[string]string{"reference": started.Reference, "outcome": "failed"}, "s3cret")

		Expect(first.Code).To(Equal(http.StatusOK))
		Expect(second.Code).To(Equal(http.StatusOK))
		Expect(decode(second).Message).To(Equal("outcome already recorded"))
		Expect(notifier.Sent()).To(HaveLen(1))
		row, _ := ledger.Get(ctx, started.Reference)
		Expect(row.State).To(Equal(payment.StateFailed))
	})

	It("should still acknowledge when the notification store is down", func() {
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "42")
		Expect(err).ToNot(HaveOccurred())
		notifier.err = context.DeadlineExceeded

		rec := callback(map[string]string{"reference": started.Reference, "outcome": "confirmed"}, "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		row, _ := ledger.Get(ctx, started.Reference)
		Expect(row.State).To(Equal(payment.StateConfirmed))
	})

	It("should reject a callback without the shared secret", func() {
		rec := callback(map[string]string{"reference": "ref-1", "outcome": "confirmed"}, "wrong")

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(decode(rec).Status).To(Equal("error"))
	})

	It("should return not found for an unknown reference", func() {
		rec := callback(map[string]string{"reference": "ghost", "outcome": "confirmed"}, "s3cret")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	DescribeTable("should reject malformed callbacks",
		func(body interface{}) {
			rec := callback(body, "s3cret")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec).Status).To(Equal("error"))
		},
		Entry("missing reference", map[string]string{"outcome": "confirmed"}),
		Entry("unknown outcome", map[string]string{"reference": "ref-1", "outcome": "maybe"}),
		Entry("not an object", []string{"nope"}),
	)

	It("should notify the treasury role when the payer is unknown", func() {
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "")
		Expect(err).ToNot(HaveOccurred())

		rec := callback(map[string]string{"reference": started.Reference, "outcome": "confirmed"}, "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		sent := notifier.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].DestinationType).To(Equal(notification.DestinationRole))
		Expect(sent[0].RoleIDs()).To(Equal([]string{"tesoreria"}))
	})

	It("should record the outcome without a notification when neither payer nor treasury role is known", func() {
		processor := paymentPkg.NewOutcomeProcessor(ledger, notifier, bus, "", quietLogger())
		handler = paymentPkg.NewWebhookHandler(transport.NewBaseHandler(quietLogger()), processor, "s3cret", quietLogger())
		started, err := service.StartPayment(ctx, paymentPkg.StartPaymentRequest{Tramite: "licencia"}, "")
		Expect(err).ToNot(HaveOccurred())

		rec := callback(map[string]string{"reference": started.Reference, "outcome": "failed"}, "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(notifier.Sent()).To(BeEmpty())
		row, err := ledger.Get(ctx, started.Reference)
		Expect(err).ToNot(HaveOccurred())
		Expect(row.State).To(Equal(payment.StateFailed))
	})
})
