/**
 * @description
 * Package horizonstream provides a resumable payment stream over a single-connection
 * Source. The Client reopens the source from the last cursor its handler accepted,
 * backs off between attempts and reconnects connections that go silent.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Exponential reconnect backoff with jitter.
 */

package horizonstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/transfa/payment-observer/internal/domain"
)

// ErrIdle is reported when a connection produced no event within the idle timeout.
var ErrIdle = errors.New("payment stream idle")

// errStreamClosed is reported when the source returned without an error.
var errStreamClosed = errors.New("payment stream closed by server")

// Source opens one connection to a payment feed starting after cursor. Subscribe blocks
// until the connection ends or ctx is cancelled and calls fn synchronously per record.
type Source interface {
	Subscribe(ctx context.Context, cursor domain.Cursor, fn func(domain.PaymentEvent)) error
}

// Handler processes one event. A nil return commits the event's cursor; an error makes
// the client reopen the stream from the previous committed cursor.
type Handler func(ctx context.Context, event domain.PaymentEvent) error

// Hooks observe the stream lifecycle. Any of them may be nil.
type Hooks struct {
	OnConnect   func(cursor domain.Cursor)
	OnEvent     func(event domain.PaymentEvent)
	OnReconnect func(err error, wait time.Duration)
	// OnPin is called when a stream started from "now" or the beginning receives its
	// first event, with the concrete position just before it. An error is treated like
	// a handler error.
	OnPin func(ctx context.Context, cursor domain.Cursor) error
}

type Options struct {
	IdleTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxHandlerFailures makes Stream return after that many consecutive handler errors
	// without progress. Zero retries forever. Transport errors never count.
	MaxHandlerFailures int
	Hooks              Hooks
	Logger             *slog.Logger
}

// Client is a resumable stream over a Source.
type Client struct {
	source     Source
	opts       Options
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

func NewClient(source Source, opts Options) *Client {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{source: source, opts: opts, logger: logger}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = opts.BackoffInitial
		b.MaxInterval = opts.BackoffMax
		b.RandomizationFactor = 0.5
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return c
}

// Stream delivers events to handle until ctx is cancelled, which is the only case in
// which it returns nil.
func (c *Client) Stream(ctx context.Context, start domain.Cursor, handle Handler) error {
	committed := start
	b := c.newBackOff()
	handlerFailures := 0

	for {
		next, progressed, err := c.attempt(ctx, committed, handle)
		committed = next
		if ctx.Err() != nil {
			return nil
		}
		if progressed {
			b.Reset()
			handlerFailures = 0
		}
		var transient *domain.TransientStreamError
		if err != nil && !errors.As(err, &transient) {
			handlerFailures++
			if c.opts.MaxHandlerFailures > 0 && handlerFailures >= c.opts.MaxHandlerFailures {
				return err
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.opts.BackoffMax
		}
		c.logger.Warn("payment stream reconnecting", "cursor", string(committed), "wait", wait.String(), "error", err)
		if c.opts.Hooks.OnReconnect != nil {
			c.opts.Hooks.OnReconnect(err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// attempt runs one connection and returns the cursor to resume from.
func (c *Client) attempt(ctx context.Context, from domain.Cursor, handle Handler) (domain.Cursor, bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu         sync.Mutex
		committed  = from
		progressed bool
		handlerErr error
		idle       atomic.Bool
		busy       atomic.Bool
		lastSeen   atomic.Int64
	)
	lastSeen.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		c.watchIdle(connCtx, &lastSeen, &busy, &idle, cancel)
	}()

	if c.opts.Hooks.OnConnect != nil {
		c.opts.Hooks.OnConnect(from)
	}
	c.logger.Info("payment stream connecting", "cursor", string(from))

	subErr := c.source.Subscribe(connCtx, from, func(event domain.PaymentEvent) {
		mu.Lock()
		defer mu.Unlock()
		if handlerErr != nil || connCtx.Err() != nil {
			return
		}
		busy.Store(true)
		lastSeen.Store(time.Now().UnixNano())
		if c.opts.Hooks.OnEvent != nil {
			c.opts.Hooks.OnEvent(event)
		}
		if err := c.pin(ctx, &committed, event); err != nil {
			busy.Store(false)
			handlerErr = err
			cancel()
			return
		}
		err := handle(ctx, event)
		lastSeen.Store(time.Now().UnixNano())
		busy.Store(false)
		if err != nil {
			handlerErr = err
			cancel()
			return
		}
		committed = event.Cursor
		progressed = true
	})
	cancel()
	<-watchdogDone

	mu.Lock()
	defer mu.Unlock()
	switch {
	case handlerErr != nil:
		return committed, progressed, handlerErr
	case idle.Load():
		return committed, progressed, &domain.TransientStreamError{Cursor: committed, Err: ErrIdle}
	case subErr != nil:
		return committed, progressed, &domain.TransientStreamError{Cursor: committed, Err: subErr}
	default:
		return committed, progressed, &domain.TransientStreamError{Cursor: committed, Err: errStreamClosed}
	}
}

// pin replaces a symbolic start cursor with the position just before the first event,
// so a reconnect after a failed handler redelivers it instead of jumping to the head.
func (c *Client) pin(ctx context.Context, committed *domain.Cursor, event domain.PaymentEvent) error {
	if _, concrete := committed.Position(); concrete {
		return nil
	}
	pinned, ok := event.Cursor.Previous()
	if !ok {
		return nil
	}
	*committed = pinned
	c.logger.Info("payment stream start resolved", "cursor", string(pinned))
	if c.opts.Hooks.OnPin != nil {
		if err := c.opts.Hooks.OnPin(ctx, pinned); err != nil {
			return fmt.Errorf("persist start cursor %s: %w", pinned, err)
		}
	}
	return nil
}

func (c *Client) watchIdle(ctx context.Context, lastSeen *atomic.Int64, busy, idle *atomic.Bool, cancel context.CancelFunc) {
	interval := c.opts.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if busy.Load() {
				continue
			}
			if now.Sub(time.Unix(0, lastSeen.Load())) >= c.opts.IdleTimeout {
				idle.Store(true)
				cancel()
				return
			}
		}
	}
}
