package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gatewaytypes "github.com/frahmantamala/tramite-payments/internal/core/datamodel/paymentgateway"
)

// ObjectStore is where archived receipts end up.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
}

type ArchiveJob struct {
	Reference        string
	GatewayPaymentID string
}

// ReceiptKey is the object key of a reference's archived PDF receipt.
func ReceiptKey(reference string) string {
	return fmt.Sprintf("receipts/%s.pdf", reference)
}

type archiveWorker struct {
	id         int
	workerPool chan chan ArchiveJob
	jobChannel chan ArchiveJob
	logger     *slog.Logger
}

func newArchiveWorker(id int, workerPool chan chan ArchiveJob, logger *slog.Logger) *archiveWorker {
	return &archiveWorker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan ArchiveJob),
		logger:     logger,
	}
}

func (w *archiveWorker) start(ctx context.Context, wg *sync.WaitGroup, process func(ArchiveJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-ctx.Done():
				w.logger.Debug("archive worker shutting down", "worker_id", w.id)
				return
			}

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("archive worker processing job", "worker_id", w.id, "reference", job.Reference)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("archive worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

type ArchiverConfig struct {
	MaxWorkers   int
	JobQueueSize int
	Timeout      time.Duration
}

// ReceiptArchiver copies PDF receipts of confirmed payments into object storage
// on a bounded worker pool. Archiving is best-effort and never touches the ledger.
type ReceiptArchiver struct {
	gateway Gateway
	store   ObjectStore
	timeout time.Duration
	logger  *slog.Logger

	jobQueue   chan ArchiveJob
	workerPool chan chan ArchiveJob
	maxWorkers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewReceiptArchiver(gateway Gateway, store ObjectStore, config ArchiverConfig, logger *slog.Logger) *ReceiptArchiver {
	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ReceiptArchiver{
		gateway:    gateway,
		store:      store,
		timeout:    timeout,
		logger:     logger,
		jobQueue:   make(chan ArchiveJob, jobQueueSize),
		workerPool: make(chan chan ArchiveJob, maxWorkers),
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (a *ReceiptArchiver) Start() {
	a.once.Do(func() {
		for i := 0; i < a.maxWorkers; i++ {
			newArchiveWorker(i, a.workerPool, a.logger).start(a.ctx, &a.wg, a.process)
		}

		a.wg.Add(1)
		go a.dispatch()

		a.logger.Info("receipt archive worker pool started",
			"max_workers", a.maxWorkers,
			"queue_size", cap(a.jobQueue))
	})
}

// Enqueue never blocks; a full queue drops the job with an error.
func (a *ReceiptArchiver) Enqueue(job ArchiveJob) error {
	select {
	case a.jobQueue <- job:
		a.logger.Debug("receipt archive job queued", "reference", job.Reference, "queue_length", len(a.jobQueue))
		return nil
	default:
		a.logger.Warn("receipt archive queue full, dropping job",
			"reference", job.Reference,
			"queue_capacity", cap(a.jobQueue))
		return fmt.Errorf("receipt archive queue full")
	}
}

func (a *ReceiptArchiver) dispatch() {
	defer a.wg.Done()

	for {
		select {
		case job := <-a.jobQueue:
			select {
			case jobChannel := <-a.workerPool:
				select {
				case jobChannel <- job:
				case <-a.ctx.Done():
					return
				}
			case <-a.ctx.Done():
				return
			}
		case <-a.ctx.Done():
			a.logger.Info("receipt archive dispatcher shutting down")
			return
		}
	}
}

func (a *ReceiptArchiver) process(job ArchiveJob) {
	ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
	defer cancel()

	if err := a.Archive(ctx, job); err != nil {
		a.logger.Error("failed to archive receipt", "error", err, "reference", job.Reference)
	}
}

// Archive fetches the PDF receipt for job and stores it under ReceiptKey.
func (a *ReceiptArchiver) Archive(ctx context.Context, job ArchiveJob) error {
	receipt, err := a.gateway.Receipt(ctx, gatewaytypes.ReceiptQuery{
		Reference:        job.Reference,
		GatewayPaymentID: job.GatewayPaymentID,
		Format:           gatewaytypes.ReceiptFormatPDF,
	})
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}

	key := ReceiptKey(job.Reference)
	if err := a.store.Put(ctx, key, receipt.ContentType, receipt.Body); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}

	a.logger.Info("receipt archived", "reference", job.Reference, "key", key, "size", len(receipt.Body))
	return nil
}

func (a *ReceiptArchiver) Shutdown() {
	a.logger.Info("shutting down receipt archiver")
	a.cancel()
	a.wg.Wait()
	a.logger.Info("receipt archiver shutdown complete")
}
