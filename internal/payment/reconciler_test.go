package payment_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/payment"
	paymentPkg "github.com/frahmantamala/tramite-payments/internal/payment"
	"github.com/frahmantamala/tramite-payments/internal/payment/postgres"
)

type stubFinder struct {
	stale     []paymentPkg.StaleAttempt
	err       error
	lastLimit int
	lastCut   time.Time
}

func (f *stubFinder) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]paymentPkg.StaleAttempt, error) {
	f.lastLimit = limit
	f.lastCut = olderThan
	return f.stale, f.err
}

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		ledger     *postgres.PaymentRepository
		notifier   *recordingNotifier
		finder     *stubFinder
		reconciler *paymentPkg.Reconciler
		now        time.Time
	)

	record := func(reference string) {
		_, _, err := ledger.RecordAttempt(ctx, payment.NewAttempt{
			Reference:            reference,
			Tramite:              "multa",
			Amount:               decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
			PaymentURL:           "https://gateway.test/pay/" + reference,
			EncryptedRequestBlob: "IV:CIPHERTEXT",
		})
		Expect(err).ToNot(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		ledger = openLedger()
		notifier = &recordingNotifier{}
		finder = &stubFinder{}
		now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

		reconciler = paymentPkg.NewReconciler(finder, ledger, notifier, nil, "tesoreria", paymentPkg.ReconcilerConfig{
			Interval:   10 * time.Millisecond,
			StaleAfter: 30 * time.Minute,
			BatchSize:  25,
		}, quietLogger())
		reconciler.SetClock(func() time.Time { return now })
	})

	It("should flag and report stale attempts without resolving them", func() {
		// Given
		record("ref-a")
		record("ref-b")
		multa := "multa"
		finder.stale = []paymentPkg.StaleAttempt{
			{Reference: "ref-a", State: "pending", Tramite: &multa, CreatedAt: now.Add(-2 * time.Hour)},
			{Reference: "ref-b", State: "proxy_called", Tramite: &multa, CreatedAt: now.Add(-time.Hour)},
		}

		// When
		flagged, err := reconciler.Sweep(ctx)

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(flagged).To(Equal(2))
		Expect(finder.lastLimit).To(Equal(25))
		Expect(finder.lastCut).To(Equal(now.Add(-30 * time.Minute)))

		sent := notifier.Sent()
		Expect(sent).To(HaveLen(2))
		for _, n := range sent {
			Expect(n.Kind).To(Equal(paymentPkg.NotificationKindReconciliation))
			Expect(n.RoleIDs()).To(Equal([]string{"tesoreria"}))
		}

		row, _ := ledger.Get(ctx, "ref-a")
		Expect(row.State).To(Equal(payment.StatePending))
		Expect(row.ReconciliationFlaggedAt).ToNot(BeNil())
	})

	It("should not report an attempt twice", func() {
		record("ref-a")
		finder.stale = []paymentPkg.StaleAttempt{{Reference: "ref-a", State: "pending", CreatedAt: now.Add(-time.Hour)}}

		_, err := reconciler.Sweep(ctx)
		Expect(err).ToNot(HaveOccurred())
		flagged, err := reconciler.Sweep(ctx)

		Expect(err).ToNot(HaveOccurred())
		Expect(flagged).To(BeZero())
		Expect(notifier.Sent()).To(HaveLen(1))
	})

	It("should skip an attempt that reached a terminal state after the scan", func() {
		record("ref-a")
		_, _, err := ledger.MarkTerminal(ctx, "ref-a", payment.StateConfirmed, nil, nil)
		Expect(err).ToNot(HaveOccurred())
		finder.stale = []paymentPkg.StaleAttempt{{Reference: "ref-a", State: "pending", CreatedAt: now.Add(-time.Hour)}}

		flagged, err := reconciler.Sweep(ctx)

		Expect(err).ToNot(HaveOccurred())
		Expect(flagged).To(BeZero())
		Expect(notifier.Sent()).To(BeEmpty())
	})

	It("should return the scan error", func() {
		finder.err = fmt.Errorf("connection refused")

		_, err := reconciler.Sweep(ctx)

		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	It("should stop running when the context is cancelled", func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- reconciler.Run(runCtx) }()

		cancel()

		Eventually(done).Should(Receive(BeNil()))
	})
})
