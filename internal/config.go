package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server         ServerConfig            `mapstructure:"http_server"`
	Database       DatabaseConfig          `mapstructure:"database"`
	Security       SecurityConfig          `mapstructure:"security"`
	Observability  ObservabilityConfig     `mapstructure:"observability"`
	Gateway        GatewayConfig           `mapstructure:"gateway"`
	Notification   NotificationConfig      `mapstructure:"notification"`
	Reconciliation ReconciliationConfig    `mapstructure:"reconciliation"`
	ReceiptArchive ReceiptArchiveConfig    `mapstructure:"receipt_archive"`
	Tramites       map[string]TramiteEntry `mapstructure:"tramites"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"required"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	CallbackSecret string        `mapstructure:"callback_secret"`
}

// GatewayConfig points at the external payment gateway. Timeout must stay
// below the HTTP server write timeout.
type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`
}

type NotificationConfig struct {
	Transport     string `mapstructure:"transport" validate:"required,oneof=local redis"`
	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Transport redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TreasuryRole  string `mapstructure:"treasury_role" validate:"required"`
	// PublisherRoles may publish notifications through the HTTP API.
	PublisherRoles []string `mapstructure:"publisher_roles"`
}

type ReconciliationConfig struct {
	Interval   time.Duration `mapstructure:"interval" validate:"required"`
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"required"`
	BatchSize  int           `mapstructure:"batch_size" validate:"min=0"`
}

type ReceiptArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// TramiteEntry overrides or extends the built-in tramite catalog.
// An empty Cost marks a variable-cost tramite.
type TramiteEntry struct {
	Name string `mapstructure:"name"`
	Cost string `mapstructure:"cost"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ----------------- ENV -----------------

// LoadConfigFromEnv builds the configuration for container deployments.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			TokenTTL:       getEnvAsDuration("JWT_TOKEN_TTL", 15*time.Minute),
			CallbackSecret: getEnv("GATEWAY_CALLBACK_SECRET", ""),
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("GATEWAY_BASE_URL", ""),
			APIKey:  getEnv("GATEWAY_API_KEY", ""),
			Timeout: getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Notification: NotificationConfig{
			Transport:      getEnv("NOTIFICATION_TRANSPORT", "local"),
			RedisAddr:      getEnv("REDIS_ADDR", ""),
			RedisPassword:  getEnv("REDIS_PASS", ""),
			RedisDB:        getEnvAsInt("REDIS_DB", 0),
			TreasuryRole:   getEnv("NOTIFICATION_TREASURY_ROLE", "tesoreria"),
			PublisherRoles: strings.Split(getEnv("NOTIFICATION_PUBLISHER_ROLES", "admin,tesoreria"), ","),
		},
		Reconciliation: ReconciliationConfig{
			Interval:   getEnvAsDuration("RECONCILIATION_INTERVAL", 5*time.Minute),
			StaleAfter: getEnvAsDuration("RECONCILIATION_STALE_AFTER", 2*time.Hour),
			BatchSize:  getEnvAsInt("RECONCILIATION_BATCH_SIZE", 100),
		},
		ReceiptArchive: ReceiptArchiveConfig{
			Enabled:         getEnv("RECEIPT_ARCHIVE_ENABLED", "") == "true",
			Bucket:          getEnv("RECEIPT_ARCHIVE_BUCKET", ""),
			Region:          getEnv("RECEIPT_ARCHIVE_REGION", "auto"),
			Endpoint:        getEnv("RECEIPT_ARCHIVE_ENDPOINT", ""),
			AccessKeyID:     getEnv("RECEIPT_ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("RECEIPT_ARCHIVE_SECRET_ACCESS_KEY", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

var configValidator = validator.New()

func (c *Config) Validate() error {
	var errs []string

	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if c.Gateway.Timeout >= c.Server.WriteTimeout {
		errs = append(errs, "gateway config: timeout must be shorter than http_server.write_timeout")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}
