/**
 * @description
 * Cron-driven outbox redrive. Events are written to the outbox in the same database
 * transaction as the status change; this job re-enqueues the ones the publisher never
 * finished, e.g. after a full queue or a restart.
 */
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

type OutboxRedriver struct {
	outbox     store.OutboxStore
	publisher  EventPublisher
	batchSize  int
	staleAfter int
	logger     *slog.Logger
}

func NewOutboxRedriver(outbox store.OutboxStore, publisher EventPublisher, batchSize, staleAfterSeconds int, logger *slog.Logger) *OutboxRedriver {
	if batchSize <= 0 {
		batchSize = 100
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 60
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OutboxRedriver{
		outbox:     outbox,
		publisher:  publisher,
		batchSize:  batchSize,
		staleAfter: staleAfterSeconds,
		logger:     logger,
	}
}

// Redrive claims one batch of stale outbox entries and republishes them. It returns the
// number of events handed back to the publisher.
func (r *OutboxRedriver) Redrive(ctx context.Context) (int, error) {
	entries, err := r.outbox.ClaimUndelivered(ctx, r.batchSize, r.staleAfter)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, entry := range entries {
		if err := r.publisher.Publish(entry.Event); err != nil {
			if errors.Is(err, domain.ErrQueueFull) {
				r.logger.Warn("event queue full; remaining outbox entries wait for the next run",
					"published", published, "claimed", len(entries))
				return published, nil
			}
			return published, err
		}
		published++
	}
	return published, nil
}

// Run is the cron entry point.
func (r *OutboxRedriver) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.Redrive(ctx)
	if err != nil {
		r.logger.Error("outbox redrive failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("outbox events republished", "count", n)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	redriver *OutboxRedriver
	schedule string
	logger   *slog.Logger
}

func NewScheduler(redriver *OutboxRedriver, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		redriver: redriver,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the redrive job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddJob(s.schedule, s.redriver); err != nil {
		s.logger.Error("failed to schedule outbox redrive job", "error", err)
		return err
	}
	s.logger.Info("scheduled outbox redrive job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
