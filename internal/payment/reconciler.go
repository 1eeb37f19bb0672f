package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	"github.com/frahmantamala/tramite-payments/internal/core/events"
)

type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Reconciler flags attempts that never reached a terminal state. It only reports;
// the out-of-band receiver stays the only writer of terminal states.
type Reconciler struct {
	finder       StaleFinder
	ledger       Ledger
	notifier     Notifier
	eventBus     *events.EventBus
	treasuryRole string
	config       ReconcilerConfig
	now          func() time.Time
	logger       *slog.Logger
}

func NewReconciler(finder StaleFinder, ledger Ledger, notifier Notifier, eventBus *events.EventBus, treasuryRole string, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		finder:       finder,
		ledger:       ledger,
		notifier:     notifier,
		eventBus:     eventBus,
		treasuryRole: treasuryRole,
		config:       config,
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock overrides the time source, used by tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep runs one pass and returns how many attempts were newly flagged.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.config.StaleAfter)

	stale, err := r.finder.FindStale(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error("reconciliation scan failed", "error", err)
		return 0, fmt.Errorf("reconciliation scan: %w", err)
	}

	flagged := 0
	for _, s := range stale {
		ok, err := r.ledger.FlagForReconciliation(ctx, s.Reference)
		if err != nil {
			r.logger.Error("failed to flag reconciliation candidate", "error", err, "reference", s.Reference)
			continue
		}
		if !ok {
			// resolved or flagged by another sweep since the scan
			continue
		}
		flagged++

		age := r.now().Sub(s.CreatedAt).Round(time.Second)
		r.logger.Warn("reconciliation candidate",
			"reference", s.Reference,
			"state", s.State,
			"age", age.String())

		if r.eventBus != nil {
			r.eventBus.Publish(ctx, events.NewReconciliationCandidateEvent(s.Reference, s.State, "stale"))
		}
		r.notify(ctx, s, age)
	}

	if flagged > 0 {
		r.logger.Info("reconciliation sweep finished", "scanned", len(stale), "flagged", flagged)
	}
	return flagged, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciliation worker started",
		"interval", r.config.Interval.String(),
		"stale_after", r.config.StaleAfter.String())

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	if _, err := r.Sweep(ctx); err != nil && ctx.Err() != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation worker stopped")
			return nil
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

func (r *Reconciler) notify(ctx context.Context, s StaleAttempt, age time.Duration) {
	if r.notifier == nil || r.treasuryRole == "" {
		return
	}

	tramiteCode := "-"
	if s.Tramite != nil {
		tramiteCode = *s.Tramite
	}
	n := &notification.Notification{
		Title:           "Pago pendiente de conciliacion",
		Message:         fmt.Sprintf("El pago %s (%s) sigue en estado %s despues de %s.", s.Reference, tramiteCode, s.State, age),
		Kind:            NotificationKindReconciliation,
		DestinationType: notification.DestinationRole,
	}
	n.SetRoleIDs([]string{r.treasuryRole})
	if _, err := r.notifier.Publish(ctx, n); err != nil {
		r.logger.Error("failed to raise reconciliation notification", "error", err, "reference", s.Reference)
	}
}
