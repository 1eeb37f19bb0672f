package rest

import (
	"database/sql"
	"log/slog"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/tramite-payments/internal/auth"
	"github.com/frahmantamala/tramite-payments/internal/notification"
	"github.com/frahmantamala/tramite-payments/internal/payment"
	"github.com/frahmantamala/tramite-payments/internal/transport/middleware"
	"github.com/frahmantamala/tramite-payments/internal/transport/swagger"
)

type Handlers struct {
	Auth         *auth.Handler
	Payment      *payment.Handler
	Webhook      *payment.WebhookHandler
	Notification *notification.Handler
}

type RouterConfig struct {
	AllowedOrigins string
	// PublisherRoles may publish notifications over HTTP.
	PublisherRoles []string
	HealthChecks   []HealthCheck
}

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, handlers Handlers, cfg RouterConfig, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, cfg.HealthChecks...)

	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Get(swagger.DocumentPath, swagger.DocumentHandler)
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// the gateway authenticates with the shared callback secret, not a user token
		if handlers.Webhook != nil {
			r.Post("/payments/callback", handlers.Webhook.HandlePaymentCallback)
		}

		if handlers.Auth == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(handlers.Auth.AuthMiddleware)

			if handlers.Payment != nil {
				pr.Route("/payments", func(pm chi.Router) {
					pm.Post("/", handlers.Payment.StartPayment)
					pm.Get("/", handlers.Payment.ListPayments)
					pm.Get("/{reference}", handlers.Payment.GetPayment)
					pm.Post("/{reference}/confirm", handlers.Payment.ConfirmPayment)
					pm.Get("/{reference}/receipt", handlers.Payment.GetReceiptByReference)
				})
				pr.Get("/receipts/{gatewayPaymentId}", handlers.Payment.GetReceiptByGatewayID)
			}

			if handlers.Notification != nil {
				pr.Route("/notifications", func(nr chi.Router) {
					nr.Get("/unread", handlers.Notification.ListUnread)
					nr.Get("/stream", handlers.Notification.Stream)
					nr.Patch("/{id}/read", handlers.Notification.MarkRead)

					nr.Group(func(pub chi.Router) {
						pub.Use(middleware.RequireRoles(logger, cfg.PublisherRoles...))
						pub.Post("/", handlers.Notification.Publish)
					})
				})
			}
		})
	})
}
