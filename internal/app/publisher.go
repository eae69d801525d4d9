/**
 * @description
 * The Publisher delivers status-change events to the configured sinks off the ingestion
 * path. Events are partitioned by transaction id over a fixed set of workers, each
 * draining its own bounded queue, so events of one transaction are delivered in the
 * order they were published.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Delay between delivery attempts.
 *
 * @notes
 * - Publish never blocks. A full partition returns domain.ErrQueueFull.
 * - Events that exhaust their attempts for a sink are written to the dead-letter store.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

var ErrPublisherClosed = errors.New("event publisher closed")

// EventSink is a downstream consumer of status-change events.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, event domain.StatusChangeEvent) error
}

// RetryPolicy bounds delivery attempts per sink. MaxAttempts counts every attempt,
// including the first.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

type PublisherConfig struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
}

type delivery struct {
	event        domain.StatusChangeEvent
	sinks        []EventSink
	deadLetterID uuid.UUID
}

type Publisher struct {
	sinks       []EventSink
	outbox      store.OutboxStore
	deadLetters store.DeadLetterStore
	cfg         PublisherConfig
	logger      *slog.Logger

	queues   []chan delivery
	runCtx   context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]struct{}
}

// NewPublisher starts the delivery workers. outbox may be nil when events are not
// persisted before publishing.
func NewPublisher(cfg PublisherConfig, sinks []EventSink, outbox store.OutboxStore, deadLetters store.DeadLetterStore, logger *slog.Logger) *Publisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		cfg.Retry.AttemptTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	runCtx, abort := context.WithCancel(context.Background())
	p := &Publisher{
		sinks:       sinks,
		outbox:      outbox,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logger,
		queues:      make([]chan delivery, cfg.Workers),
		runCtx:      runCtx,
		abort:       abort,
		inflight:    make(map[uuid.UUID]struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan delivery, cfg.QueueSize)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	return p
}

// Publish enqueues the event for every sink. An event already queued or being delivered
// is accepted without being queued twice.
func (p *Publisher) Publish(event domain.StatusChangeEvent) error {
	return p.enqueue(delivery{event: event, sinks: p.sinks})
}

// Replay re-enqueues a dead-lettered event for the sink it failed on.
func (p *Publisher) Replay(ctx context.Context, id uuid.UUID) error {
	if p.deadLetters == nil {
		return store.ErrDeadLetterNotFound
	}
	dl, err := p.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	var sinks []EventSink
	for _, s := range p.sinks {
		if s.Name() == dl.Sink {
			sinks = append(sinks, s)
		}
	}
	if len(sinks) == 0 {
		return fmt.Errorf("sink %q is not configured", dl.Sink)
	}
	return p.enqueue(delivery{event: dl.Event, sinks: sinks, deadLetterID: dl.ID})
}

func (p *Publisher) enqueue(d delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if _, ok := p.inflight[d.event.EventID]; ok && d.deadLetterID == uuid.Nil {
		return nil
	}
	select {
	case p.queues[p.partition(d.event.TransactionID)] <- d:
		p.inflight[d.event.EventID] = struct{}{}
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (p *Publisher) partition(id uuid.UUID) int {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Backlog returns the number of queued deliveries and the total capacity.
func (p *Publisher) Backlog() (queued, capacity int) {
	for _, q := range p.queues {
		queued += len(q)
		capacity += cap(q)
	}
	return queued, capacity
}

// Close stops accepting events and drains the queues. When ctx expires first, pending
// retries are abandoned; their outbox rows stay undelivered for the next redrive.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.abort()
		return nil
	case <-ctx.Done():
		p.abort()
		<-done
		return fmt.Errorf("event publisher drain: %w", ctx.Err())
	}
}

func (p *Publisher) work(queue <-chan delivery) {
	defer p.wg.Done()
	for d := range queue {
		p.process(d)
	}
}

func (p *Publisher) process(d delivery) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, d.event.EventID)
		p.mu.Unlock()
	}()

	var failures []string
	for _, sink := range d.sinks {
		attempts, err := p.deliverWithRetry(sink, d.event)
		if err == nil {
			continue
		}
		if p.runCtx.Err() != nil {
			p.logger.Warn("event delivery abandoned at shutdown", "event_id", d.event.EventID.String(), "sink", sink.Name())
			return
		}
		failures = append(failures, sink.Name()+": "+err.Error())
		p.deadLetter(sink, d.event, attempts, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.deadLetterID != uuid.Nil && p.deadLetters != nil {
		if err := p.deadLetters.DeleteDeadLetter(ctx, d.deadLetterID); err != nil && !errors.Is(err, store.ErrDeadLetterNotFound) {
			p.logger.Error("failed to remove replayed dead letter", "dead_letter_id", d.deadLetterID.String(), "error", err)
		}
	}
	if p.outbox == nil {
		return
	}
	var err error
	if len(failures) == 0 {
		err = p.outbox.MarkDelivered(ctx, d.event.EventID)
	} else {
		err = p.outbox.MarkDead(ctx, d.event.EventID, strings.Join(failures, "; "))
	}
	if err != nil && !errors.Is(err, store.ErrOutboxEntryNotFound) {
		p.logger.Error("failed to update outbox entry", "event_id", d.event.EventID.String(), "error", err)
	}
}

func (p *Publisher) deliverWithRetry(sink EventSink, event domain.StatusChangeEvent) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Retry.InitialBackoff
	b.MaxInterval = p.cfg.Retry.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.Retry.AttemptTimeout)
		err := sink.Deliver(ctx, event)
		cancel()
		if err == nil {
			if attempt > 1 {
				p.logger.Info("event delivered after retry", "event_id", event.EventID.String(), "sink", sink.Name(), "attempt", attempt)
			}
			return attempt, nil
		}
		lastErr = &domain.DeliveryError{Sink: sink.Name(), EventID: event.EventID.String(), Attempt: attempt, Err: err}
		p.logger.Warn("event delivery failed", "event_id", event.EventID.String(), "transaction_id", event.TransactionID.String(),
			"sink", sink.Name(), "attempt", attempt, "max_attempts", p.cfg.Retry.MaxAttempts, "error", err)

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return attempt, lastErr
		}
		if attempt == p.cfg.Retry.MaxAttempts {
			break
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-p.runCtx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}
	}
	return p.cfg.Retry.MaxAttempts, lastErr
}

func (p *Publisher) deadLetter(sink EventSink, event domain.StatusChangeEvent, attempts int, err error) {
	dl := domain.DeadLetter{
		ID:             uuid.New(),
		Sink:           sink.Name(),
		Event:          event,
		Attempts:       attempts,
		LastError:      err.Error(),
		DeadLetteredAt: time.Now().UTC(),
	}
	p.logger.Error("event dead-lettered",
		"dead_letter_id", dl.ID.String(), "event_id", event.EventID.String(),
		"transaction_id", event.TransactionID.String(), "sink", dl.Sink, "attempts", attempts, "error", err)

	if p.deadLetters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if putErr := p.deadLetters.PutDeadLetter(ctx, dl); putErr != nil {
		p.logger.Error("failed to persist dead letter", "event_id", event.EventID.String(), "error", putErr)
	}
}
