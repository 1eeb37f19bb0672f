package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/tramite-payments/internal/auth"
	"github.com/frahmantamala/tramite-payments/internal/notification"
	"github.com/frahmantamala/tramite-payments/internal/payment"
	"github.com/frahmantamala/tramite-payments/internal/transport"
	"github.com/frahmantamala/tramite-payments/internal/transport/rest"
)

var withReconciler bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests and gateway callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()
	lg := deps.Logger

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	archiver, err := newReceiptArchiver(ctx, deps)
	if err != nil {
		lg.Error("failed to set up receipt archive", "error", err)
		os.Exit(1)
	}
	var eventArchiver payment.Archiver
	if archiver != nil {
		archiver.Start()
		defer archiver.Shutdown()
		eventArchiver = archiver
	}
	unsubscribe := payment.NewEventHandler(eventArchiver, lg).RegisterEventHandlers(deps.EventBus)
	defer unsubscribe()

	if withReconciler {
		go func() {
			if err := newReconciler(deps).Run(ctx); err != nil {
				lg.Error("reconciler stopped", "error", err)
			}
		}()
	}

	var healthChecks []rest.HealthCheck
	if deps.Redis != nil {
		healthChecks = append(healthChecks, rest.HealthCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		})
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.SQL, rest.Handlers{
		Auth:         auth.NewHandler(deps.Tokens, lg),
		Payment:      payment.NewHandler(deps.Payments, lg),
		Webhook:      payment.NewWebhookHandler(transport.NewBaseHandler(lg), deps.Processor, deps.Config.Security.CallbackSecret, lg),
		Notification: notification.NewHandler(deps.Notifications, lg),
	}, rest.RouterConfig{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		PublisherRoles: deps.Config.Notification.PublisherRoles,
		HealthChecks:   healthChecks,
	}, lg)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	lg.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("Received signal, shutting down...", "signal", sig)
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			lg.Error("Server failed to start", "error", err)
			return
		}
	}

	lg.Info("Server stopped")
}

func init() {
	httpServerCmd.Flags().BoolVar(&withReconciler, "with-reconciler", false, "also run the reconciliation sweep in this process")
}
