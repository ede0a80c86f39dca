// Package webhook delivers lifecycle events to a configured HTTP
// endpoint: signed, size-guarded, retried with jittered backoff, and
// drained by a bounded worker pool so delivery never blocks the
// orchestrator.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/planhub/internal/otel"
	"github.com/basket/planhub/internal/shared"
)

// Signature scheme version prefix on the signature header.
const signatureVersion = "v1"

// Outbound headers.
const (
	HeaderWebhookID        = "X-PM-Webhook-Id"
	HeaderWebhookTimestamp = "X-PM-Webhook-Timestamp"
	HeaderWebhookAttempt   = "X-PM-Webhook-Attempt"
	HeaderWebhookSignature = "X-PM-Webhook-Signature"
)

// ErrQueueFull is returned from Enqueue in fail-closed mode when the
// inflight queue is at capacity.
var ErrQueueFull = errors.New("webhook queue full")

// DefaultRetryableStatusCodes are retried; everything else outside 2xx
// is terminal after one attempt.
var DefaultRetryableStatusCodes = []int{
	http.StatusRequestTimeout,  // 408
	http.StatusTooEarly,        // 425
	http.StatusTooManyRequests, // 429
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Event is one lifecycle notification.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Config controls the dispatcher. Enabled and URL are re-read on every
// enqueue so disabling takes effect immediately.
type Config struct {
	Enabled                 bool
	URL                     string
	Secret                  string
	SigningEnabled          bool
	MaxPayloadBytes         int
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryJitterRatio        float64
	RetryableStatusCodes    []int
	QueueConcurrency        int
	QueueMaxInflight        int
	FailOpenOnQueueOverflow bool
}

func (c *Config) applyDefaults() {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 128 * 1024
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitterRatio <= 0 {
		c.RetryJitterRatio = 0.2
	}
	if len(c.RetryableStatusCodes) == 0 {
		c.RetryableStatusCodes = DefaultRetryableStatusCodes
	}
	if c.QueueConcurrency <= 0 {
		c.QueueConcurrency = 2
	}
	if c.QueueMaxInflight <= 0 {
		c.QueueMaxInflight = 256
	}
}

// delivery is one queued event with its signature material precomputed:
// the signature and timestamp are fixed per logical delivery and reused
// verbatim across retries.
type delivery struct {
	webhookID string
	body      []byte
	timestamp string
	signature string
}

// Dispatcher is the fire-and-forget webhook sender.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	queue chan delivery
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	metrics *otel.Metrics

	// Test hooks.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// SetMetrics attaches OTel instruments. Optional; a nil-metrics
// dispatcher records nothing.
func (d *Dispatcher) SetMetrics(m *otel.Metrics) {
	d.metrics = m
}

func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "webhook"),
		client: &http.Client{Timeout: 15 * time.Second},
		queue:  make(chan delivery, cfg.QueueMaxInflight),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.QueueConcurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case del, ok := <-d.queue:
					if !ok {
						return
					}
					d.deliver(ctx, del)
				}
			}
		}()
	}
}

// Close stops accepting events and drains the queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue queues an event for delivery. It never blocks the caller: a
// full queue either drops the event (fail-open) or returns ErrQueueFull
// (fail-closed). A disabled dispatcher or empty URL is a silent no-op,
// checked per call.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	if !d.cfg.Enabled || d.cfg.URL == "" {
		return nil
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = d.now().UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook event not serializable",
			"trace_id", shared.TraceID(ctx), "event_type", ev.Type, "error", err.Error())
		return nil
	}
	if len(body) > d.cfg.MaxPayloadBytes {
		d.logger.WarnContext(ctx, "payload_too_large_drop",
			"trace_id", shared.TraceID(ctx),
			"event_type", ev.Type,
			"size", len(body),
			"max", d.cfg.MaxPayloadBytes)
		return nil
	}

	del := d.sign(ev.ID, body)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	select {
	case d.queue <- del:
		if d.metrics != nil {
			d.metrics.QueueDepth.Add(ctx, 1)
		}
		return nil
	default:
		if d.cfg.FailOpenOnQueueOverflow {
			d.logger.WarnContext(ctx, "webhook queue overflow, event dropped",
				"trace_id", shared.TraceID(ctx), "event_type", ev.Type)
			return nil
		}
		return ErrQueueFull
	}
}

// sign computes the timestamp and signature for one logical delivery.
func (d *Dispatcher) sign(webhookID string, body []byte) delivery {
	del := delivery{
		webhookID: webhookID,
		body:      body,
		timestamp: fmt.Sprintf("%d", d.now().Unix()),
	}
	if d.cfg.SigningEnabled && d.cfg.Secret != "" {
		del.signature = signatureVersion + "=" + Sign(d.cfg.Secret, del.timestamp, body)
	}
	return del
}

// Sign computes hex(HMAC-SHA256(secret, "{timestamp}.{body}")).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// deliver runs the attempt loop for one delivery. Retryable failures
// log at warn and back off; terminal failures log at error and stop
// immediately without sleeping.
func (d *Dispatcher) deliver(ctx context.Context, del delivery) {
	start := d.now()
	if d.metrics != nil {
		d.metrics.QueueDepth.Add(ctx, -1)
		defer func() {
			d.metrics.WebhookDuration.Record(ctx, d.now().Sub(start).Seconds())
		}()
	}
	for attempt := 1; attempt <= d.cfg.RetryMaxAttempts; attempt++ {
		status, err := d.post(ctx, del, attempt)
		if err == nil && status >= 200 && status < 300 {
			d.logger.DebugContext(ctx, "webhook delivered",
				"webhook_id", del.webhookID, "status", status, "attempt", attempt)
			if d.metrics != nil {
				d.metrics.WebhookDeliveries.Add(ctx, 1)
			}
			return
		}

		retryable := err != nil || d.isRetryable(status)
		if !retryable {
			d.logger.ErrorContext(ctx, "webhook delivery failed terminally",
				"webhook_id", del.webhookID, "status", status, "attempt", attempt)
			if d.metrics != nil {
				d.metrics.WebhookFailures.Add(ctx, 1)
			}
			return
		}
		if attempt == d.cfg.RetryMaxAttempts {
			d.logger.ErrorContext(ctx, "webhook delivery exhausted retries",
				"webhook_id", del.webhookID, "status", status, "attempts", attempt,
				"error", errString(err))
			if d.metrics != nil {
				d.metrics.WebhookFailures.Add(ctx, 1)
			}
			return
		}

		d.logger.WarnContext(ctx, "webhook delivery failed, retrying",
			"webhook_id", del.webhookID, "status", status, "attempt", attempt,
			"error", errString(err))
		if sleepErr := d.sleep(ctx, d.backoff(attempt)); sleepErr != nil {
			return
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, del delivery, attempt int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(del.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookID, del.webhookID)
	req.Header.Set(HeaderWebhookTimestamp, del.timestamp)
	req.Header.Set(HeaderWebhookAttempt, fmt.Sprintf("%d", attempt))
	if del.signature != "" {
		req.Header.Set(HeaderWebhookSignature, del.signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) isRetryable(status int) bool {
	for _, code := range d.cfg.RetryableStatusCodes {
		if status == code {
			return true
		}
	}
	return false
}

// backoff returns the delay before the next attempt: exponential on the
// base delay, jittered by the configured ratio, capped at the max.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBaseDelay << uint(attempt-1)
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	jitterSpan := float64(delay) * d.cfg.RetryJitterRatio
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterSpan)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
