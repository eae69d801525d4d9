/**
 * @description
 * This package handles the configuration management for the payment observer. It uses
 * the Viper library to read configuration from environment variables and an optional
 * .env file, and validates the result before anything is started.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stellar/go/strkey"
	"github.com/transfa/payment-observer/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	CursorStorePostgres = "postgres"
	CursorStoreRedis    = "redis"
	CursorStoreMemory   = "memory"
)

// Config holds all the configuration variables for the payment observer.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	StoreDriver       string `mapstructure:"STORE_DRIVER"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	AutoMigrate       bool   `mapstructure:"AUTO_MIGRATE"`
	CursorStore       string `mapstructure:"CURSOR_STORE"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisCursorPrefix string `mapstructure:"REDIS_CURSOR_PREFIX"`

	HorizonURL                     string   `mapstructure:"HORIZON_URL"`
	WatchedAccountsRaw             string   `mapstructure:"WATCHED_ACCOUNTS"`
	WatchedAccounts                []string `mapstructure:"-"`
	StartCursor                    string   `mapstructure:"START_CURSOR"`
	StreamIdleTimeoutSeconds       int      `mapstructure:"STREAM_IDLE_TIMEOUT_SECONDS"`
	StreamBackoffInitialMS         int      `mapstructure:"STREAM_BACKOFF_INITIAL_MS"`
	StreamBackoffMaxSeconds        int      `mapstructure:"STREAM_BACKOFF_MAX_SECONDS"`
	StreamMaxHandlerFailures       int      `mapstructure:"STREAM_MAX_HANDLER_FAILURES"`
	WorkerRestartBackoffMaxSeconds int      `mapstructure:"WORKER_RESTART_BACKOFF_MAX_SECONDS"`

	AmountMatchMode string `mapstructure:"AMOUNT_MATCH_MODE"`

	EventQueueSize              int `mapstructure:"EVENT_QUEUE_SIZE"`
	EventWorkers                int `mapstructure:"EVENT_WORKERS"`
	EventDeliveryMaxAttempts    int `mapstructure:"EVENT_DELIVERY_MAX_ATTEMPTS"`
	EventBackoffInitialMS       int `mapstructure:"EVENT_BACKOFF_INITIAL_MS"`
	EventBackoffMaxSeconds      int `mapstructure:"EVENT_BACKOFF_MAX_SECONDS"`
	EventDeliveryTimeoutSeconds int `mapstructure:"EVENT_DELIVERY_TIMEOUT_SECONDS"`

	WebhookURL           string `mapstructure:"WEBHOOK_URL"`
	WebhookSigningSecret string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	WebhookSigningSeed   string `mapstructure:"WEBHOOK_SIGNING_SEED"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventExchange         string `mapstructure:"EVENT_EXCHANGE"`
	EventRoutingKeyPrefix string `mapstructure:"EVENT_ROUTING_KEY_PREFIX"`

	OutboxRedriveSchedule string `mapstructure:"OUTBOX_REDRIVE_SCHEDULE"`
	OutboxStaleSeconds    int    `mapstructure:"OUTBOX_STALE_SECONDS"`
	OutboxBatchSize       int    `mapstructure:"OUTBOX_BATCH_SIZE"`

	InternalAPIKey        string   `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOriginsRaw string   `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CORSAllowedOrigins    []string `mapstructure:"-"`
	ShutdownDrainSeconds  int      `mapstructure:"SHUTDOWN_DRAIN_SECONDS"`
}

var envKeys = []string{
	"SERVER_PORT", "STORE_DRIVER", "DATABASE_URL", "AUTO_MIGRATE", "CURSOR_STORE", "REDIS_URL",
	"REDIS_CURSOR_PREFIX", "HORIZON_URL", "WATCHED_ACCOUNTS", "START_CURSOR",
	"STREAM_IDLE_TIMEOUT_SECONDS", "STREAM_BACKOFF_INITIAL_MS", "STREAM_BACKOFF_MAX_SECONDS",
	"STREAM_MAX_HANDLER_FAILURES", "WORKER_RESTART_BACKOFF_MAX_SECONDS", "AMOUNT_MATCH_MODE",
	"EVENT_QUEUE_SIZE", "EVENT_WORKERS", "EVENT_DELIVERY_MAX_ATTEMPTS", "EVENT_BACKOFF_INITIAL_MS",
	"EVENT_BACKOFF_MAX_SECONDS", "EVENT_DELIVERY_TIMEOUT_SECONDS", "WEBHOOK_URL",
	"WEBHOOK_SIGNING_SECRET", "WEBHOOK_SIGNING_SEED", "RABBITMQ_URL", "EVENT_EXCHANGE",
	"EVENT_ROUTING_KEY_PREFIX", "OUTBOX_REDRIVE_SCHEDULE", "OUTBOX_STALE_SECONDS",
	"OUTBOX_BATCH_SIZE", "INTERNAL_API_KEY", "CORS_ALLOWED_ORIGINS", "SHUTDOWN_DRAIN_SECONDS",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path. Call Validate on the result before using it.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8083")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("CURSOR_STORE", CursorStorePostgres)
	viper.SetDefault("REDIS_CURSOR_PREFIX", "payment_observer:cursor")
	viper.SetDefault("HORIZON_URL", "https://horizon-testnet.stellar.org")
	viper.SetDefault("START_CURSOR", string(domain.CursorNow))
	viper.SetDefault("STREAM_IDLE_TIMEOUT_SECONDS", 120)
	viper.SetDefault("STREAM_BACKOFF_INITIAL_MS", 500)
	viper.SetDefault("STREAM_BACKOFF_MAX_SECONDS", 30)
	viper.SetDefault("STREAM_MAX_HANDLER_FAILURES", 10)
	viper.SetDefault("WORKER_RESTART_BACKOFF_MAX_SECONDS", 60)
	viper.SetDefault("AMOUNT_MATCH_MODE", "exact")
	viper.SetDefault("EVENT_QUEUE_SIZE", 256)
	viper.SetDefault("EVENT_WORKERS", 4)
	viper.SetDefault("EVENT_DELIVERY_MAX_ATTEMPTS", 3)
	viper.SetDefault("EVENT_BACKOFF_INITIAL_MS", 1000)
	viper.SetDefault("EVENT_BACKOFF_MAX_SECONDS", 30)
	viper.SetDefault("EVENT_DELIVERY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("EVENT_EXCHANGE", "anchor_transaction_events")
	viper.SetDefault("EVENT_ROUTING_KEY_PREFIX", "anchor.transaction")
	viper.SetDefault("OUTBOX_REDRIVE_SCHEDULE", "@every 30s")
	viper.SetDefault("OUTBOX_STALE_SECONDS", 60)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("SHUTDOWN_DRAIN_SECONDS", 15)

	// Bind environment variables explicitly so they appear in Unmarshal.
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_OBSERVER_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.CursorStore = strings.ToLower(strings.TrimSpace(config.CursorStore))
	config.AmountMatchMode = strings.ToLower(strings.TrimSpace(config.AmountMatchMode))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.StartCursor = strings.TrimSpace(config.StartCursor)
	config.WatchedAccounts = splitList(config.WatchedAccountsRaw)
	config.CORSAllowedOrigins = splitList(config.CORSAllowedOriginsRaw)

	return
}

func splitList(raw string) []string {
	var items []string
	seen := make(map[string]bool)
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		items = append(items, part)
	}
	return items
}

// Validate reports the first configuration problem that must stop startup.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return &domain.FatalConfigError{Key: "DATABASE_URL", Reason: "required when STORE_DRIVER is postgres"}
		}
	case StoreDriverMemory:
	default:
		return &domain.FatalConfigError{Key: "STORE_DRIVER", Reason: fmt.Sprintf("unsupported value %q", c.StoreDriver)}
	}

	switch c.CursorStore {
	case CursorStorePostgres:
		if c.StoreDriver != StoreDriverPostgres {
			return &domain.FatalConfigError{Key: "CURSOR_STORE", Reason: "postgres cursor store requires STORE_DRIVER=postgres"}
		}
	case CursorStoreRedis:
		if c.RedisURL == "" {
			return &domain.FatalConfigError{Key: "REDIS_URL", Reason: "required when CURSOR_STORE is redis"}
		}
	case CursorStoreMemory:
	default:
		return &domain.FatalConfigError{Key: "CURSOR_STORE", Reason: fmt.Sprintf("unsupported value %q", c.CursorStore)}
	}

	if _, err := url.ParseRequestURI(strings.TrimSpace(c.HorizonURL)); err != nil {
		return &domain.FatalConfigError{Key: "HORIZON_URL", Reason: err.Error()}
	}
	for _, account := range c.WatchedAccounts {
		if err := domain.ValidateAccount(account); err != nil {
			return &domain.FatalConfigError{Key: "WATCHED_ACCOUNTS", Reason: fmt.Sprintf("%q is not a valid account", account)}
		}
	}
	if c.StartCursor != "" && domain.Cursor(c.StartCursor) != domain.CursorNow {
		if _, ok := domain.Cursor(c.StartCursor).Position(); !ok {
			return &domain.FatalConfigError{Key: "START_CURSOR", Reason: `must be "now" or a paging token`}
		}
	}

	if c.AmountMatchMode != "exact" && c.AmountMatchMode != "minimum" {
		return &domain.FatalConfigError{Key: "AMOUNT_MATCH_MODE", Reason: fmt.Sprintf("unsupported value %q", c.AmountMatchMode)}
	}

	positive := map[string]int{
		"EVENT_QUEUE_SIZE":               c.EventQueueSize,
		"EVENT_WORKERS":                  c.EventWorkers,
		"EVENT_DELIVERY_MAX_ATTEMPTS":    c.EventDeliveryMaxAttempts,
		"EVENT_DELIVERY_TIMEOUT_SECONDS": c.EventDeliveryTimeoutSeconds,
		"STREAM_IDLE_TIMEOUT_SECONDS":    c.StreamIdleTimeoutSeconds,
		"OUTBOX_STALE_SECONDS":           c.OutboxStaleSeconds,
	}
	for key, value := range positive {
		if value <= 0 {
			return &domain.FatalConfigError{Key: key, Reason: "must be positive"}
		}
	}

	if c.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.WebhookURL); err != nil {
			return &domain.FatalConfigError{Key: "WEBHOOK_URL", Reason: err.Error()}
		}
	}
	if seed := strings.TrimSpace(c.WebhookSigningSeed); seed != "" && !strkey.IsValidEd25519SecretSeed(seed) {
		return &domain.FatalConfigError{Key: "WEBHOOK_SIGNING_SEED", Reason: "not a valid secret seed"}
	}
	return nil
}

func (c Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

func (c Config) StreamBackoffInitial() time.Duration {
	return time.Duration(c.StreamBackoffInitialMS) * time.Millisecond
}

func (c Config) StreamBackoffMax() time.Duration {
	return time.Duration(c.StreamBackoffMaxSeconds) * time.Second
}

func (c Config) WorkerRestartBackoffMax() time.Duration {
	return time.Duration(c.WorkerRestartBackoffMaxSeconds) * time.Second
}

func (c Config) EventBackoffInitial() time.Duration {
	return time.Duration(c.EventBackoffInitialMS) * time.Millisecond
}

func (c Config) EventBackoffMax() time.Duration {
	return time.Duration(c.EventBackoffMaxSeconds) * time.Second
}

func (c Config) EventDeliveryTimeout() time.Duration {
	return time.Duration(c.EventDeliveryTimeoutSeconds) * time.Second
}

func (c Config) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds) * time.Second
}
