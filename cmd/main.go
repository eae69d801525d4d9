/**
 * @description
 * This is the main entry point for the payment observer. It loads configuration, opens
 * the stores, builds the event sinks and the publisher, starts one payment stream per
 * watched account under the supervisor, schedules the outbox redrive, and serves the
 * health and operator API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Optional cursor store.
 * - golang.org/x/sync/errgroup: Runs the supervisor and HTTP server together.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/horizonstream, pkg/webhook, pkg/rabbitmq: Ledger feed and event sinks.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-observer/internal/api"
	"github.com/transfa/payment-observer/internal/app"
	"github.com/transfa/payment-observer/internal/config"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
	"github.com/transfa/payment-observer/pkg/horizonstream"
	rmrabbit "github.com/transfa/payment-observer/pkg/rabbitmq"
	"github.com/transfa/payment-observer/pkg/webhook"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	transactions store.TransactionRepository
	outbox       store.OutboxStore
	deadLetters  store.DeadLetterStore
	cursors      store.CursorStore
	closers      []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "payment-observer")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("payment observer stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not configured; operator endpoints are unauthenticated", "env", "INTERNAL_API_KEY")
	}
	logger.Info("starting payment observer",
		"port", cfg.ServerPort,
		"store", cfg.StoreDriver,
		"cursor_store", cfg.CursorStore,
		"accounts", len(cfg.WatchedAccounts),
		"amount_match_mode", cfg.AmountMatchMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	sinks, closeSinks := buildSinks(cfg, logger)
	defer closeSinks()

	publisher := app.NewPublisher(app.PublisherConfig{
		Workers:   cfg.EventWorkers,
		QueueSize: cfg.EventQueueSize,
		Retry: app.RetryPolicy{
			MaxAttempts:    cfg.EventDeliveryMaxAttempts,
			InitialBackoff: cfg.EventBackoffInitial(),
			MaxBackoff:     cfg.EventBackoffMax(),
			AttemptTimeout: cfg.EventDeliveryTimeout(),
		},
	}, sinks, st.outbox, st.deadLetters, logger.With("component", "publisher"))

	reconciler := app.NewReconciler(st.transactions, publisher, app.AmountMatchMode(cfg.AmountMatchMode), logger.With("component", "reconciler"))

	horizonClient := horizonstream.NewHorizonClient(cfg.HorizonURL)
	sourceFor := func(account string) horizonstream.Source {
		return horizonstream.NewHorizonSource(horizonClient, account, logger.With("component", "horizon"))
	}

	supervisor := app.NewSupervisor(app.SupervisorConfig{
		Accounts:             cfg.WatchedAccounts,
		StartCursor:          domain.Cursor(cfg.StartCursor),
		IdleTimeout:          cfg.StreamIdleTimeout(),
		StreamBackoffInitial: cfg.StreamBackoffInitial(),
		StreamBackoffMax:     cfg.StreamBackoffMax(),
		MaxHandlerFailures:   cfg.StreamMaxHandlerFailures,
		RestartBackoffMax:    cfg.WorkerRestartBackoffMax(),
		DrainTimeout:         cfg.ShutdownDrain(),
	}, sourceFor, reconciler, st.cursors, logger.With("component", "supervisor"))

	redriver := app.NewOutboxRedriver(st.outbox, publisher, cfg.OutboxBatchSize, cfg.OutboxStaleSeconds, logger.With("component", "outbox"))
	scheduler := app.NewScheduler(redriver, cfg.OutboxRedriveSchedule, logger.With("component", "scheduler"))
	if err := scheduler.Start(); err != nil {
		return &domain.FatalConfigError{Key: "OUTBOX_REDRIVE_SCHEDULE", Reason: err.Error()}
	}

	handlers := api.NewObserverHandlers(supervisor, supervisor, st.deadLetters, publisher, logger.With("component", "api"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.ObserverRoutes(handlers, cfg.InternalAPIKey, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	// Streams are stopped at this point; flush whatever the publisher still holds.
	<-scheduler.Stop().Done()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain())
	defer cancel()
	if err := publisher.Close(drainCtx); err != nil {
		logger.Warn("event publisher did not drain; undelivered events remain in the outbox", "error", err)
	}

	return runErr
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	st := &stores{}

	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		var err error
		pool, err = store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		logger.Info("database connected")
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, pool); err != nil {
				st.close()
				return nil, fmt.Errorf("database migration failed: %w", err)
			}
		}
		repo := store.NewPostgresRepository(pool)
		st.transactions, st.outbox, st.deadLetters = repo, repo, repo
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		memory := store.NewMemoryStore()
		st.transactions, st.outbox, st.deadLetters, st.cursors = memory, memory, memory, memory
	}

	switch cfg.CursorStore {
	case config.CursorStorePostgres:
		st.cursors = store.NewPostgresCursorStore(pool)
	case config.CursorStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.close()
			return nil, &domain.FatalConfigError{Key: "REDIS_URL", Reason: err.Error()}
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			st.close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		st.closers = append(st.closers, func() { client.Close() })
		st.cursors = store.NewRedisCursorStore(client, cfg.RedisCursorPrefix)
		logger.Info("redis cursor store connected")
	case config.CursorStoreMemory:
		if st.cursors == nil {
			st.cursors = store.NewMemoryStore()
		}
	}
	return st, nil
}

func buildSinks(cfg config.Config, logger *slog.Logger) ([]app.EventSink, func()) {
	var (
		sinks   []app.EventSink
		closers []func()
	)

	if cfg.WebhookURL != "" {
		client, err := webhook.NewClient(cfg.WebhookURL,
			webhook.WithSigningSecret(cfg.WebhookSigningSecret),
			webhook.WithSigningSeed(cfg.WebhookSigningSeed),
		)
		if err != nil {
			logger.Error("webhook sink disabled", "error", err)
		} else {
			sinks = append(sinks, client)
			logger.Info("webhook sink configured")
		}
	}

	if cfg.RabbitMQURL != "" {
		sink, err := rmrabbit.NewEventSink(cfg.RabbitMQURL, cfg.EventExchange, cfg.EventRoutingKeyPrefix, logger.With("component", "rabbitmq"))
		if err != nil {
			logger.Error("rabbitmq sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
			closers = append(closers, func() { sink.Close() })
			logger.Info("rabbitmq sink configured", "exchange", cfg.EventExchange)
		}
	}

	if len(sinks) == 0 {
		logger.Warn("no event sinks configured; status changes are not delivered")
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
