/**
 * @description
 * The Supervisor runs one stream worker per watched account. A single goroutine owns all
 * worker state: workers report liveness to it over a channel, and health snapshots,
 * watch and unwatch requests are served by the same loop.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Restart delay for crashed workers.
 * - pkg/horizonstream: Resumable payment stream per account.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
	"github.com/transfa/payment-observer/pkg/horizonstream"
)

var (
	ErrSupervisorStopped = errors.New("stream supervisor stopped")
	ErrStreamNotFound    = errors.New("stream not watched")
)

// SourceFactory opens the payment source for an account.
type SourceFactory func(account string) horizonstream.Source

type SupervisorConfig struct {
	Accounts              []string
	StartCursor           domain.Cursor
	IdleTimeout           time.Duration
	StreamBackoffInitial  time.Duration
	StreamBackoffMax      time.Duration
	MaxHandlerFailures    int
	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration
	DrainTimeout          time.Duration
}

// StreamID is the cursor and health key of an account's payment stream.
func StreamID(account string) string {
	return "payments:" + account
}

type livenessKind int

const (
	livenessEvent livenessKind = iota
	livenessReconnect
	livenessBackpressure
	livenessFault
	livenessExited
	livenessRestart
)

type liveness struct {
	account    string
	generation int
	kind       livenessKind
	eventID    string
	err        error
	at         time.Time
}

type command struct {
	watch   bool
	account string
	reply   chan error
}

type workerState struct {
	account        string
	generation     int
	cancel         context.CancelFunc
	running        bool
	shutdown       bool
	terminated     bool
	stopped        bool
	unwatched      bool
	faulted        bool
	reconnecting   bool
	backpressure   bool
	lastEventID    string
	lastEventAt    time.Time
	reconnectCount int
	restartCount   int
	lastError      string
	restartBackoff backoff.BackOff
}

type Supervisor struct {
	cfg       SupervisorConfig
	sourceFor SourceFactory
	handler   PaymentHandler
	cursors   store.CursorStore
	logger    *slog.Logger
	now       func() time.Time

	msgs     chan liveness
	queries  chan chan domain.HealthReport
	commands chan command
	started  chan struct{}
	done     chan struct{}

	startedAt  time.Time
	workersCtx context.Context
	draining   bool
	workers    map[string]*workerState
	// generation numbers worker runs across all accounts.
	generation int
	wg         sync.WaitGroup

	finalMu sync.Mutex
	final   *domain.HealthReport
}

func NewSupervisor(cfg SupervisorConfig, sourceFor SourceFactory, handler PaymentHandler, cursors store.CursorStore, logger *slog.Logger) *Supervisor {
	if cfg.StartCursor == "" {
		cfg.StartCursor = domain.CursorNow
	}
	if cfg.RestartBackoffInitial <= 0 {
		cfg.RestartBackoffInitial = time.Second
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:       cfg,
		sourceFor: sourceFor,
		handler:   handler,
		cursors:   cursors,
		logger:    logger,
		now:       time.Now,
		msgs:      make(chan liveness, 256),
		queries:   make(chan chan domain.HealthReport),
		commands:  make(chan command),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		workers:   make(map[string]*workerState),
	}
}

// Run starts the configured workers and supervises them until ctx is cancelled, then
// stops every worker and waits up to the drain timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = s.now().UTC()
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	s.workersCtx = workersCtx
	defer close(s.done)
	close(s.started)

	for _, account := range s.cfg.Accounts {
		if err := s.watch(account); err != nil {
			s.logger.Error("failed to watch configured account", "account", account, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return s.drain(cancelWorkers)
		case m := <-s.msgs:
			s.apply(m)
		case q := <-s.queries:
			q <- s.snapshot()
		case cmd := <-s.commands:
			if cmd.watch {
				cmd.reply <- s.watch(cmd.account)
			} else {
				cmd.reply <- s.unwatch(cmd.account)
			}
		}
	}
}

func (s *Supervisor) drain(cancelWorkers context.CancelFunc) error {
	s.logger.Info("stopping stream workers", "count", len(s.workers), "drain_timeout", s.cfg.DrainTimeout.String())
	s.draining = true
	for _, w := range s.workers {
		w.shutdown = true
		w.stopped = true
	}
	cancelWorkers()

	allExited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(allExited)
	}()
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	var err error
loop:
	for {
		select {
		case <-allExited:
			break loop
		case m := <-s.msgs:
			s.apply(m)
		case q := <-s.queries:
			q <- s.snapshot()
		case cmd := <-s.commands:
			cmd.reply <- ErrSupervisorStopped
		case <-timer.C:
			err = fmt.Errorf("stream workers did not stop within %s", s.cfg.DrainTimeout)
			s.logger.Warn("stream worker drain timed out", "timeout", s.cfg.DrainTimeout.String())
			break loop
		}
	}
	// Late exit messages are folded in so the final snapshot is accurate.
	for {
		select {
		case m := <-s.msgs:
			s.apply(m)
			continue
		default:
		}
		break
	}
	report := s.snapshot()
	s.finalMu.Lock()
	s.final = &report
	s.finalMu.Unlock()
	return err
}

// Watch starts a worker for account. Watching an account that is already watched is a
// no-op.
func (s *Supervisor) Watch(ctx context.Context, account string) error {
	return s.send(ctx, command{watch: true, account: account, reply: make(chan error, 1)})
}

// Unwatch stops the account's worker and forgets it.
func (s *Supervisor) Unwatch(ctx context.Context, account string) error {
	return s.send(ctx, command{watch: false, account: account, reply: make(chan error, 1)})
}

func (s *Supervisor) send(ctx context.Context, cmd command) error {
	select {
	case <-s.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrSupervisorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns the current health report.
func (s *Supervisor) Health(ctx context.Context) (domain.HealthReport, error) {
	select {
	case <-s.started:
	case <-ctx.Done():
		return domain.HealthReport{}, ctx.Err()
	}
	reply := make(chan domain.HealthReport, 1)
	select {
	case s.queries <- reply:
	case <-s.done:
		s.finalMu.Lock()
		defer s.finalMu.Unlock()
		if s.final != nil {
			return *s.final, nil
		}
		return domain.HealthReport{}, ErrSupervisorStopped
	case <-ctx.Done():
		return domain.HealthReport{}, ctx.Err()
	}
	select {
	case report := <-reply:
		return report, nil
	case <-ctx.Done():
		return domain.HealthReport{}, ctx.Err()
	}
}

func (s *Supervisor) watch(account string) error {
	if err := domain.ValidateAccount(account); err != nil {
		return err
	}
	if w, ok := s.workers[account]; ok && !w.stopped {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartBackoffInitial
	b.MaxInterval = s.cfg.RestartBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	w := &workerState{account: account, restartBackoff: b}
	s.workers[account] = w
	s.start(w)
	s.logger.Info("watching account", "account", account, "stream_id", StreamID(account))
	return nil
}

func (s *Supervisor) unwatch(account string) error {
	w, ok := s.workers[account]
	if !ok || w.stopped {
		return ErrStreamNotFound
	}
	w.stopped = true
	w.unwatched = true
	w.shutdown = true
	if w.cancel != nil {
		w.cancel()
	}
	if !w.running {
		delete(s.workers, account)
	}
	s.logger.Info("stopped watching account", "account", account)
	return nil
}

func (s *Supervisor) start(w *workerState) {
	s.generation++
	w.generation = s.generation
	ctx, cancel := context.WithCancel(s.workersCtx)
	w.cancel = cancel
	w.running = true
	w.terminated = false
	w.faulted = false
	w.reconnecting = false
	w.backpressure = false

	s.wg.Add(1)
	go s.runWorker(ctx, w.account, w.generation)
}

func (s *Supervisor) report(m liveness) {
	m.at = s.now()
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

// apply folds a liveness message into worker state. Restarts are suppressed while
// draining.
func (s *Supervisor) apply(m liveness) {
	w, ok := s.workers[m.account]
	if !ok || w.generation != m.generation {
		return
	}
	switch m.kind {
	case livenessEvent:
		w.lastEventID = m.eventID
		w.lastEventAt = m.at
		w.reconnecting = false
		w.backpressure = false
		w.restartBackoff.Reset()
	case livenessReconnect:
		w.reconnectCount++
		if m.err != nil {
			w.lastError = m.err.Error()
		}
		if !errors.Is(m.err, horizonstream.ErrIdle) {
			w.reconnecting = true
		}
	case livenessBackpressure:
		w.backpressure = true
		if m.err != nil {
			w.lastError = m.err.Error()
		}
	case livenessFault:
		w.running = false
		w.terminated = true
		w.faulted = true
		if m.err != nil {
			w.lastError = m.err.Error()
		}
		if w.stopped || s.draining {
			s.forgetIfUnwatched(w)
			return
		}
		delay := w.restartBackoff.NextBackOff()
		s.logger.Error("stream worker crashed; scheduling restart", "account", w.account, "delay", delay.String(), "error", m.err)
		generation := w.generation
		account := w.account
		time.AfterFunc(delay, func() {
			s.report(liveness{account: account, generation: generation, kind: livenessRestart})
		})
	case livenessExited:
		w.running = false
		w.terminated = true
		s.forgetIfUnwatched(w)
	case livenessRestart:
		if w.stopped || s.draining || w.running {
			return
		}
		w.restartCount++
		s.logger.Info("restarting stream worker", "account", w.account, "restart_count", w.restartCount)
		s.start(w)
	}
}

// forgetIfUnwatched drops workers an operator unwatched. Workers stopped by a
// supervisor shutdown stay visible in health.
func (s *Supervisor) forgetIfUnwatched(w *workerState) {
	if w.unwatched {
		delete(s.workers, w.account)
	}
}

func (s *Supervisor) snapshot() domain.HealthReport {
	now := s.now().UTC()
	report := domain.HealthReport{
		Status:    domain.HealthGreen,
		StartedAt: s.startedAt,
		Checks:    make(map[string]domain.HealthCheck, len(s.workers)),
	}
	report.ElapsedTimeMS = now.Sub(s.startedAt).Milliseconds()

	accounts := make([]string, 0, len(s.workers))
	for account := range s.workers {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	for _, account := range accounts {
		w := s.workers[account]
		status := domain.HealthGreen
		switch {
		case w.stopped || w.terminated || (w.faulted && !w.running):
			status = domain.HealthRed
		case w.reconnecting || w.backpressure:
			status = domain.HealthYellow
		}
		stream := domain.StreamHealth{
			Account:          account,
			ThreadShutdown:   w.shutdown,
			ThreadTerminated: w.terminated,
			Stopped:          w.stopped,
			LastEventID:      w.lastEventID,
			ReconnectCount:   w.reconnectCount,
			RestartCount:     w.restartCount,
			LastError:        w.lastError,
		}
		if !w.lastEventAt.IsZero() {
			stream.SecondsSinceLastEvent = now.Sub(w.lastEventAt).Seconds()
		}
		report.Checks[StreamID(account)] = domain.HealthCheck{Status: status, Streams: []domain.StreamHealth{stream}}
		report.Status = report.Status.Worse(status)
	}
	report.NumberOfChecks = len(report.Checks)
	return report
}

func (s *Supervisor) runWorker(ctx context.Context, account string, generation int) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.report(liveness{account: account, generation: generation, kind: livenessFault, err: fmt.Errorf("panic: %v", r)})
		}
	}()

	err := s.stream(ctx, account, generation)
	if ctx.Err() != nil {
		s.report(liveness{account: account, generation: generation, kind: livenessExited})
		return
	}
	if err == nil {
		err = errors.New("stream ended unexpectedly")
	}
	s.report(liveness{account: account, generation: generation, kind: livenessFault, err: err})
}

func (s *Supervisor) stream(ctx context.Context, account string, generation int) error {
	streamID := StreamID(account)
	start, err := s.cursors.Load(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if start == "" {
		start = s.cfg.StartCursor
	}
	logger := s.logger.With("account", account, "stream_id", streamID)
	logger.Info("stream worker started", "cursor", string(start))

	client := horizonstream.NewClient(s.sourceFor(account), horizonstream.Options{
		IdleTimeout:        s.cfg.IdleTimeout,
		BackoffInitial:     s.cfg.StreamBackoffInitial,
		BackoffMax:         s.cfg.StreamBackoffMax,
		MaxHandlerFailures: s.cfg.MaxHandlerFailures,
		Logger:             logger,
		Hooks: horizonstream.Hooks{
			OnReconnect: func(err error, _ time.Duration) {
				s.report(liveness{account: account, generation: generation, kind: livenessReconnect, err: err})
			},
			OnPin: func(ctx context.Context, cursor domain.Cursor) error {
				return s.cursors.Save(ctx, streamID, cursor)
			},
		},
	})

	return client.Stream(ctx, start, func(ctx context.Context, payment domain.PaymentEvent) error {
		res, err := s.handler.Handle(ctx, payment)
		if err != nil {
			if domain.IsUnavailable(err) {
				s.report(liveness{account: account, generation: generation, kind: livenessBackpressure, err: err})
			}
			logger.Error("payment reconciliation failed", "payment_id", payment.ID, "cursor", string(payment.Cursor), "error", err)
			return err
		}
		if err := s.cursors.Save(ctx, streamID, payment.Cursor); err != nil {
			logger.Error("failed to save cursor", "cursor", string(payment.Cursor), "error", err)
			return fmt.Errorf("save cursor: %w", err)
		}
		logger.Debug("payment processed", "payment_id", payment.ID, "outcome", string(res.Outcome))
		s.report(liveness{account: account, generation: generation, kind: livenessEvent, eventID: payment.ID})
		return nil
	})
}
