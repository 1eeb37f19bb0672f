package payment_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/tramite-payments/internal/core/events"
	paymentPkg "github.com/frahmantamala/tramite-payments/internal/payment"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memoryStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.objects[key] = body
	s.types[key] = contentType
	return nil
}

func (s *memoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	return body, ok
}

var _ = Describe("ReceiptArchiver", func() {
	var (
		gateway  *fakeGateway
		store    *memoryStore
		archiver *paymentPkg.ReceiptArchiver
	)

	BeforeEach(func() {
		gateway = newFakeGateway()
		store = newMemoryStore()
		archiver = paymentPkg.NewReceiptArchiver(gateway.Client(time.Second), store, paymentPkg.ArchiverConfig{
			MaxWorkers:   2,
			JobQueueSize: 4,
		}, quietLogger())
	})

	AfterEach(func() {
		archiver.Shutdown()
		gateway.Close()
	})

	It("should store the pdf receipt under the reference key", func() {
		err := archiver.Archive(context.Background(), paymentPkg.ArchiveJob{Reference: "ref-1", GatewayPaymentID: "gw-1"})

		Expect(err).ToNot(HaveOccurred())
		body, ok := store.Get("receipts/ref-1.pdf")
		Expect(ok).To(BeTrue())
		Expect(string(body)).To(Equal("%PDF-1.4 receipt"))
		Expect(store.types["receipts/ref-1.pdf"]).To(Equal("application/pdf"))
	})

	It("should report a gateway failure", func() {
		gateway.Set(func(g *fakeGateway) {
			g.receipt = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}
		})

		err := archiver.Archive(context.Background(), paymentPkg.ArchiveJob{Reference: "ref-1"})

		Expect(err).To(MatchError(ContainSubstring("fetch receipt")))
	})

	It("should report a storage failure", func() {
		store.err = fmt.Errorf("bucket gone")

		err := archiver.Archive(context.Background(), paymentPkg.ArchiveJob{Reference: "ref-1"})

		Expect(err).To(MatchError(ContainSubstring("bucket gone")))
	})

	It("should archive confirmed payments published on the event bus", func() {
		archiver.Start()
		bus := events.NewEventBus(quietLogger())
		unsubscribe := paymentPkg.NewEventHandler(archiver, quietLogger()).RegisterEventHandlers(bus)
		defer unsubscribe()

		Expect(bus.PublishSync(context.Background(), events.NewPaymentTerminalEvent("ref-9", "confirmed", "gw-9", "42", "licencia", "1.00"))).To(Succeed())

		Eventually(func() bool {
			_, ok := store.Get("receipts/ref-9.pdf")
			return ok
		}).WithTimeout(2 * time.Second).Should(BeTrue())
	})

	It("should drop jobs once the queue is full", func() {
		var err error
		for i := 0; i < 10 && err == nil; i++ {
			err = archiver.Enqueue(paymentPkg.ArchiveJob{Reference: fmt.Sprintf("ref-%d", i)})
		}

		Expect(err).To(MatchError(ContainSubstring("queue full")))
	})
})
