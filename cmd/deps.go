package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/auth"
	"github.com/frahmantamala/tramite-payments/internal/core/events"
	"github.com/frahmantamala/tramite-payments/internal/notification"
	notificationpg "github.com/frahmantamala/tramite-payments/internal/notification/postgres"
	"github.com/frahmantamala/tramite-payments/internal/payment"
	paymentpg "github.com/frahmantamala/tramite-payments/internal/payment/postgres"
	"github.com/frahmantamala/tramite-payments/internal/paymentgateway"
	"github.com/frahmantamala/tramite-payments/internal/receiptstore"
	"github.com/frahmantamala/tramite-payments/internal/tramite"
	"github.com/frahmantamala/tramite-payments/pkg/logger"
)

// Dependencies is the object graph shared by the server, worker and CLI commands.
type Dependencies struct {
	Config *internal.Config
	Logger *slog.Logger

	GormDB *gorm.DB
	SQL    *sql.DB
	SQLX   *sqlx.DB

	EventBus      *events.EventBus
	Broadcaster   notification.Broadcaster
	Redis         *redis.Client
	Notifications *notification.Service

	Ledger    *paymentpg.PaymentRepository
	Gateway   *paymentgateway.Client
	Catalog   *tramite.Catalog
	Payments  *payment.PaymentService
	Processor *payment.OutcomeProcessor
	Tokens    *auth.TokenManager
}

func initializeDependencies() (*Dependencies, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.Configure(config.Observability.Logging.Level, config.Observability.Logging.Format)

	gormDB, sqlDB, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	catalog, err := tramite.NewCatalog(catalogOverrides(config.Tramites))
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to build tramite catalog: %w", err)
	}

	eventBus := events.NewEventBus(lg)
	broadcaster, redisClient := newBroadcaster(config.Notification, eventBus, lg)
	notifications := notification.NewService(notificationpg.NewNotificationRepository(gormDB), broadcaster, 0, lg)

	ledger := paymentpg.NewPaymentRepository(gormDB)
	gateway := paymentgateway.NewClient(paymentgateway.Config{
		BaseURL: config.Gateway.BaseURL,
		APIKey:  config.Gateway.APIKey,
		Timeout: config.Gateway.Timeout,
	}, lg)

	treasury := config.Notification.TreasuryRole

	return &Dependencies{
		Config:        config,
		Logger:        lg,
		GormDB:        gormDB,
		SQL:           sqlDB,
		SQLX:          sqlx.NewDb(sqlDB, "pgx"),
		EventBus:      eventBus,
		Broadcaster:   broadcaster,
		Redis:         redisClient,
		Notifications: notifications,
		Ledger:        ledger,
		Gateway:       gateway,
		Catalog:       catalog,
		Payments:      payment.NewPaymentService(ledger, gateway, catalog, notifications, treasury, lg),
		Processor:     payment.NewOutcomeProcessor(ledger, notifications, eventBus, treasury, lg),
		Tokens:        auth.NewTokenManager(config.Security.JWTSecret, config.Security.TokenTTL),
	}, nil
}

// newReceiptArchiver returns nil when archiving is disabled.
func newReceiptArchiver(ctx context.Context, deps *Dependencies) (*payment.ReceiptArchiver, error) {
	cfg := deps.Config.ReceiptArchive
	if !cfg.Enabled {
		return nil, nil
	}

	store, err := receiptstore.NewS3Store(ctx, receiptstore.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return payment.NewReceiptArchiver(deps.Gateway, store, payment.ArchiverConfig{}, deps.Logger), nil
}

// newBroadcaster also returns the redis client when the fan-out goes over redis.
func newBroadcaster(cfg internal.NotificationConfig, bus *events.EventBus, lg *slog.Logger) (notification.Broadcaster, *redis.Client) {
	if cfg.Transport == "redis" {
		client := notification.NewRedisClient(notification.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		lg.Info("notification fan-out over redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return notification.NewRedisBroadcaster(client, lg), client
	}
	lg.Info("notification fan-out in process")
	return notification.NewLocalBroadcaster(bus, lg), nil
}

func catalogOverrides(entries map[string]internal.TramiteEntry) map[string]tramite.Override {
	overrides := make(map[string]tramite.Override, len(entries))
	for code, e := range entries {
		overrides[code] = tramite.Override{Name: e.Name, Cost: e.Cost}
	}
	return overrides
}

// initDB opens gorm on the pgx driver and hands back the pooled *sql.DB too.
func initDB(cfg internal.DatabaseConfig) (*gorm.DB, *sql.DB, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{DSN: cfg.GetDSN()}), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql db: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return gormDB, sqlDB, nil
}

func (d *Dependencies) Close() {
	if d.Broadcaster != nil {
		if err := d.Broadcaster.Close(); err != nil {
			d.Logger.Error("broadcaster close error", "error", err)
		}
	}
	if err := d.SQL.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
}
