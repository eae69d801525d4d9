/**
 * @description
 * This package provides the RabbitMQ event sink. Status-change events are published as
 * JSON to a durable topic exchange with publisher confirms, so a nil return from Deliver
 * means the broker has taken responsibility for the message.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 *
 * @notes
 * - The sink connects lazily. A broker that is down at startup or restarts later is
 *   re-dialed on the next delivery; until then Deliver fails and the publisher retries.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/transfa/payment-observer/internal/domain"
)

// connection is the part of an AMQP connection the sink uses.
type connection interface {
	openChannel(exchange string) (channel, error)
	IsClosed() bool
	Close() error
}

// channel publishes with confirms. publish reports whether the broker acked.
type channel interface {
	publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) (bool, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(amqpURL string) (connection, error)

// EventSink publishes status-change events to RabbitMQ.
type EventSink struct {
	mu            sync.Mutex
	url           string
	dial          dialFunc
	conn          connection
	channel       channel
	exchange      string
	routingPrefix string
	logger        *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// RoutingKey returns the key an event is published under, e.g.
// "anchor.transaction.pending_anchor".
func RoutingKey(prefix string, event domain.StatusChangeEvent) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "anchor.transaction"
	}
	return prefix + "." + string(event.NewStatus)
}

// NewEventSink validates the URL and tries to connect. Only a malformed URL is an
// error; an unreachable broker is retried on delivery.
func NewEventSink(amqpURL, exchange, routingPrefix string, logger *slog.Logger) (*EventSink, error) {
	return newEventSink(amqpURL, exchange, routingPrefix, logger, dialAMQP)
}

func newEventSink(amqpURL, exchange, routingPrefix string, logger *slog.Logger, dial dialFunc) (*EventSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &EventSink{
		url:           cleanURL,
		dial:          dial,
		exchange:      strings.TrimSpace(exchange),
		routingPrefix: routingPrefix,
		logger:        logger,
	}
	if err := s.ensureChannel(); err != nil {
		logger.Warn("rabbitmq unavailable at startup; will reconnect on delivery", "exchange", s.exchange, "error", err)
	}
	return s, nil
}

// ensureChannel re-dials the connection and reopens the channel as needed. Must be
// called with mu held or before the sink is shared.
func (s *EventSink) ensureChannel() error {
	if s.channel != nil && !s.channel.IsClosed() {
		return nil
	}
	s.channel = nil
	if s.conn == nil || s.conn.IsClosed() {
		if s.conn != nil {
			s.conn.Close()
			s.logger.Warn("rabbitmq connection lost; re-dialing", "exchange", s.exchange)
		}
		conn, err := s.dial(s.url)
		if err != nil {
			s.conn = nil
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		s.conn = conn
	}
	ch, err := s.conn.openChannel(s.exchange)
	if err != nil {
		// A connection that cannot open channels is not usable; dial afresh next time.
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	s.channel = ch
	return nil
}

func (s *EventSink) Name() string { return "rabbitmq" }

// Deliver publishes the event and waits for the broker confirm.
func (s *EventSink) Deliver(ctx context.Context, event domain.StatusChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.EventID.String(),
		Type:         event.EventType,
		Timestamp:    time.Now(),
		Body:         body,
	}
	routingKey := RoutingKey(s.routingPrefix, event)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureChannel(); err != nil {
		return err
	}
	acked, err := s.channel.publish(ctx, s.exchange, routingKey, publishing)
	if err != nil {
		s.channel.Close()
		s.channel = nil
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %s", event.EventID)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (s *EventSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

type amqpConnection struct {
	*amqp091.Connection
}

func dialAMQP(amqpURL string) (connection, error) {
	// Use a bounded dial timeout so a delivery does not hang on an unreachable broker
	conn, err := amqp091.DialConfig(amqpURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

func (c amqpConnection) openChannel(exchange string) (channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp091.Channel
}

func (c amqpChannel) publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) (bool, error) {
	confirm, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return false, err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("await confirm: %w", err)
	}
	return acked, nil
}
