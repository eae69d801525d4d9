/**
 * @description
 * This package provides the HTTP callback sink. Each status-change event is POSTed as
 * JSON to the configured callback URL.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v4: Marks rejected requests as permanent failures.
 * - github.com/golang-jwt/jwt/v5: HS256 bearer token bound to the request body.
 * - github.com/stellar/go/keypair: SEP-style "Signature: t=<ts>, s=<sig>" header.
 *
 * @notes
 * - The Stellar signature covers "<unix timestamp>.<callback host>.<body>" so receivers
 *   can verify it with the anchor's public signing key.
 */
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stellar/go/keypair"
	"github.com/transfa/payment-observer/internal/domain"
)

const tokenIssuer = "payment-observer"

// Client delivers events to one callback URL.
type Client struct {
	URL        string
	HTTPClient *http.Client
	secret     []byte
	signer     *keypair.Full
	now        func() time.Time
}

// Option configures request signing.
type Option func(*Client) error

// WithSigningSecret adds an HS256 bearer token to every request.
func WithSigningSecret(secret string) Option {
	return func(c *Client) error {
		if secret != "" {
			c.secret = []byte(secret)
		}
		return nil
	}
}

// WithSigningSeed adds a Stellar signature header produced with the given secret seed.
func WithSigningSeed(seed string) Option {
	return func(c *Client) error {
		if seed == "" {
			return nil
		}
		kp, err := keypair.ParseFull(seed)
		if err != nil {
			return fmt.Errorf("invalid webhook signing seed: %w", err)
		}
		c.signer = kp
		return nil
	}
}

// NewClient creates a new callback client.
func NewClient(callbackURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(callbackURL); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	c := &Client{
		URL: callbackURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// StatusError is a non-2xx callback response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the receiver may accept the same request later. Client
// errors other than 408 and 429 are not retried.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

func (c *Client) Name() string { return "webhook" }

// Deliver posts the event. Transport failures and retryable statuses are returned as
// errors for the publisher's retry policy; other 4xx responses are wrapped with
// backoff.Permanent.
func (c *Client) Deliver(ctx context.Context, event domain.StatusChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Event-ID", event.EventID.String())

	now := c.now()
	if c.secret != nil {
		token, err := c.bearerToken(event, body, now)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.signer != nil {
		signature, err := c.signature(req.URL.Host, body, now)
		if err != nil {
			return err
		}
		req.Header.Set("Signature", signature)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
		if !statusErr.Retryable() {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) bearerToken(event domain.StatusChangeEvent, body []byte, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":         tokenIssuer,
		"sub":         event.TransactionID.String(),
		"jti":         event.EventID.String(),
		"iat":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
		"body_sha256": hex.EncodeToString(sum[:]),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook token: %w", err)
	}
	return signed, nil
}

func (c *Client) signature(host string, body []byte, now time.Time) (string, error) {
	ts := strconv.FormatInt(now.Unix(), 10)
	payload := ts + "." + host + "." + string(body)
	sig, err := c.signer.Sign([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook payload: %w", err)
	}
	return "t=" + ts + ", s=" + base64.StdEncoding.EncodeToString(sig), nil
}
