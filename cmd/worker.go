package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/tramite-payments/internal/payment"
	paymentpg "github.com/frahmantamala/tramite-payments/internal/payment/postgres"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run next to the HTTP server, such as the reconciliation sweep.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Flag payment attempts that never received an outcome",
	Long: `Periodically looks for attempts stuck before a terminal state, flags them for
reconciliation and notifies the treasury role. It never writes a terminal state.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	reconcileOnce       bool
	reconcileInterval   time.Duration
	reconcileStaleAfter time.Duration
	reconcileBatchSize  int
)

func newReconciler(deps *Dependencies) *payment.Reconciler {
	cfg := deps.Config.Reconciliation
	return payment.NewReconciler(
		paymentpg.NewStaleFinder(deps.SQLX),
		deps.Ledger,
		deps.Notifications,
		deps.EventBus,
		deps.Config.Notification.TreasuryRole,
		payment.ReconcilerConfig{
			Interval:   getDurationFlag(reconcileInterval, cfg.Interval),
			StaleAfter: getDurationFlag(reconcileStaleAfter, cfg.StaleAfter),
			BatchSize:  getIntFlag(reconcileBatchSize, cfg.BatchSize),
		},
		deps.Logger,
	)
}

func startReconcileWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()
	lg := deps.Logger
	reconciler := newReconciler(deps)

	if reconcileOnce {
		flagged, err := reconciler.Sweep(context.Background())
		if err != nil {
			lg.Error("reconciliation sweep failed", "error", err)
			return
		}
		lg.Info("reconciliation sweep complete", "flagged", flagged)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Info("reconcile worker is running. Press Ctrl+C to stop.")
	if err := reconciler.Run(ctx); err != nil {
		lg.Error("reconcile worker stopped", "error", err)
		return
	}
	lg.Info("reconcile worker shutdown complete")
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().BoolVar(&reconcileOnce, "once", false, "run a single sweep and exit")
	reconcileWorkerCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "time between sweeps (overrides config)")
	reconcileWorkerCmd.Flags().DurationVar(&reconcileStaleAfter, "stale-after", 0, "age after which an open attempt is flagged (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&reconcileBatchSize, "batch-size", 0, "attempts per sweep (overrides config)")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
