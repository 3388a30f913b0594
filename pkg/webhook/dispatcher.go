// Package webhook delivers domain events to subscribed HTTP endpoints with
// signing, retries and backoff. Producers never wait on delivery.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"

	// TestEvent is the synthetic event sent by TestDelivery.
	TestEvent = "test"

	listTimeout = 5 * time.Second
)

// SubscriptionSource resolves the subscriptions interested in an event.
type SubscriptionSource interface {
	ListActive(ctx context.Context, event string) ([]repository.Webhook, error)
}

type Options struct {
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration
	Client      *http.Client
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:  3,
		BaseBackoff: time.Second,
		Timeout:     10 * time.Second,
	}
}

// Envelope is the JSON body of every webhook POST.
type Envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TestResult reports a one-shot TestDelivery.
type TestResult struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

type Dispatcher struct {
	subs   SubscriptionSource
	opts   Options
	client *http.Client

	mu        sync.Mutex
	queue     taskQueue
	published []publishedEvent
	seq       uint64
	stopped   bool
	wake      chan struct{}
}

// publishedEvent is an encoded envelope awaiting subscription lookup.
type publishedEvent struct {
	event string
	body  []byte
}

func NewDispatcher(subs SubscriptionSource, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Dispatcher{
		subs:   subs,
		opts:   opts,
		client: client,
		wake:   make(chan struct{}, 1),
	}
}

// Publish records the event for fan-out and returns at once. Subscriptions
// are resolved on the worker, so callers never wait on the store.
func (d *Dispatcher) Publish(event string, payload interface{}) {
	body, err := json.Marshal(Envelope{Event: event, Timestamp: time.Now().UTC(), Data: payload})
	if err != nil {
		logger.ErrorCF("webhook", "Failed to encode payload", map[string]interface{}{
			"event": event,
			"error": err.Error(),
		})
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.published = append(d.published, publishedEvent{event: event, body: body})
	d.mu.Unlock()

	d.signal()
}

// fanOut turns published events into one task per active subscription.
func (d *Dispatcher) fanOut(ctx context.Context) {
	d.mu.Lock()
	events := d.published
	d.published = nil
	d.mu.Unlock()

	for _, ev := range events {
		lctx, cancel := context.WithTimeout(ctx, listTimeout)
		subs, err := d.subs.ListActive(lctx, ev.event)
		cancel()
		if err != nil {
			logger.ErrorCF("webhook", "Failed to resolve subscriptions", map[string]interface{}{
				"event": ev.event,
				"error": err.Error(),
			})
			continue
		}
		if len(subs) == 0 {
			continue
		}

		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		now := time.Now()
		for _, sub := range subs {
			d.seq++
			d.queue.push(&task{
				sub:     sub,
				event:   ev.event,
				body:    ev.body,
				readyAt: now,
				seq:     d.seq,
			})
		}
		queueDepthGauge.Set(float64(d.queue.Len()))
		d.mu.Unlock()
	}
}

// Pending reports queued tasks, including scheduled retries, plus published
// events not yet fanned out.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len() + len(d.published)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.InfoC("webhook", "Webhook dispatcher started")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			d.shutdown()
			return nil
		}
		d.fanOut(ctx)

		t, wait := d.next()
		if t != nil {
			d.attempt(ctx, t)
			continue
		}

		if wait > 0 {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-d.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// next pops the head task if it is due. Otherwise it returns how long until
// the head is due, or 0 when the queue is empty.
func (d *Dispatcher) next() (*task, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	head := d.queue.peek()
	if head == nil {
		return nil, 0
	}
	if wait := time.Until(head.readyAt); wait > 0 {
		return nil, wait
	}
	t := d.queue.pop()
	queueDepthGauge.Set(float64(d.queue.Len()))
	return t, 0
}

func (d *Dispatcher) attempt(ctx context.Context, t *task) {
	status, err := d.post(ctx, t.sub.URL, t.sub.Secret, t.event, t.body)
	if err == nil {
		logger.DebugCF("webhook", "Webhook delivered", map[string]interface{}{
			"webhook_id": t.sub.ID,
			"event":      t.event,
			"status":     status,
			"attempt":    t.attempt + 1,
		})
		return
	}
	if ctx.Err() != nil {
		droppedTasksCounter.WithLabelValues("shutdown").Inc()
		logger.DebugCF("webhook", "Webhook delivery interrupted by shutdown", map[string]interface{}{
			"webhook_id": t.sub.ID,
			"event":      t.event,
		})
		return
	}

	if t.attempt >= d.opts.MaxRetries {
		droppedTasksCounter.WithLabelValues("retries_exhausted").Inc()
		logger.ErrorCF("webhook", "Webhook delivery failed permanently", map[string]interface{}{
			"webhook_id": t.sub.ID,
			"url":        t.sub.URL,
			"event":      t.event,
			"attempts":   t.attempt + 1,
			"error":      err.Error(),
		})
		return
	}

	delay := d.opts.BaseBackoff << uint(t.attempt)
	logger.WarnCF("webhook", "Webhook delivery failed, retrying", map[string]interface{}{
		"webhook_id": t.sub.ID,
		"event":      t.event,
		"attempt":    t.attempt + 1,
		"retry_in":   delay.String(),
		"error":      err.Error(),
	})

	d.mu.Lock()
	if !d.stopped {
		d.seq++
		t.attempt++
		t.readyAt = time.Now().Add(delay)
		t.seq = d.seq
		d.queue.push(t)
		queueDepthGauge.Set(float64(d.queue.Len()))
	}
	d.mu.Unlock()
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	dropped := d.queue.Len()
	unresolved := len(d.published)
	d.queue = nil
	d.published = nil
	d.stopped = true
	d.mu.Unlock()

	queueDepthGauge.Set(0)
	if dropped > 0 {
		droppedTasksCounter.WithLabelValues("shutdown").Add(float64(dropped))
	}
	if dropped > 0 || unresolved > 0 {
		logger.WarnCF("webhook", "Dropping pending webhook deliveries on shutdown", map[string]interface{}{
			"count":  dropped,
			"events": unresolved,
		})
	}
	logger.InfoC("webhook", "Webhook dispatcher stopped")
}

// post sends one signed request. Any non-2xx status is an error.
// Requests cut off by cancellation of the caller's context are not recorded.
func (d *Dispatcher) post(parent context.Context, url, secret, event string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(parent, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wabridge-webhook/1.0")
	req.Header.Set(HeaderEvent, event)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil && parent.Err() != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	deliveryDurationHist.WithLabelValues(event).Observe(time.Since(start).Seconds())
	if err != nil {
		deliveryAttemptsCounter.WithLabelValues(event, "failure").Inc()
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		deliveryAttemptsCounter.WithLabelValues(event, "failure").Inc()
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	deliveryAttemptsCounter.WithLabelValues(event, "success").Inc()
	return resp.StatusCode, nil
}

// TestDelivery posts a synthetic test event to url right away, outside the
// queue and without retries.
func (d *Dispatcher) TestDelivery(ctx context.Context, url, secret string) (*TestResult, error) {
	sub := repository.Webhook{URL: url, Events: []string{repository.EventMessageReceived}}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(Envelope{
		Event:     TestEvent,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"message": "This is a test webhook delivery"},
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status, err := d.post(ctx, url, secret, TestEvent, body)
	result := &TestResult{
		Success:    err == nil,
		StatusCode: status,
		Duration:   time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
