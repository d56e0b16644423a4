package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"milestonemarket/core/events"
	"milestonemarket/observability/logging"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	DeliveryHeader  = "X-Webhook-Delivery"

	defaultMaxAttempts = 5
	defaultRatePerMin  = 60
	maxBackoff         = 5 * time.Minute
)

// Options tunes a Dispatcher. Zero values select defaults.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
	Client      *http.Client
	Logger      *slog.Logger
}

// Dispatcher fans indexed events out to matching subscriptions and delivers
// them with retries.
type Dispatcher struct {
	store       *Store
	queue       *Queue
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
	nowFn       func() time.Time

	limMu    sync.Mutex
	limiters map[uint64]*rate.Limiter
}

// NewDispatcher wires a dispatcher over store and queue.
func NewDispatcher(store *Store, queue *Queue, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		queue:       queue,
		client:      opts.Client,
		logger:      opts.Logger.With(slog.String("component", "webhooks")),
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		nowFn:       time.Now,
		limiters:    make(map[uint64]*rate.Limiter),
	}
}

// Deliver queues rec for fan-out. It never blocks.
func (d *Dispatcher) Deliver(rec events.Record) {
	d.queue.Push(Task{Event: rec})
}

// Run processes tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Pop(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			d.expand(ctx, task)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) expand(ctx context.Context, task Task) {
	subs, err := d.store.ForEvent(ctx, task.Event.Type)
	if err != nil {
		d.logger.Warn("load subscriptions failed", slog.String("type", task.Event.Type), slog.Any("error", err))
		return
	}
	for i := range subs {
		sub := subs[i]
		d.queue.Push(Task{Event: task.Event, Subscription: &sub})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	sub := task.Subscription
	now := d.nowFn()
	if wait := d.reserve(sub, now); wait > 0 {
		task.NotBefore = now.Add(wait)
		d.queue.Push(task)
		return
	}
	payload, err := encodePayload(task.Event, now)
	if err != nil {
		d.record(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.record(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload))
	req.Header.Set(EventHeader, task.Event.Type)
	req.Header.Set(DeliveryHeader, uuid.NewString())

	resp, err := d.client.Do(req)
	if err != nil {
		d.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(ctx, task, resp.Status)
		return
	}
	d.record(ctx, task, "success", "", now, nil)
}

func (d *Dispatcher) retryLater(ctx context.Context, task Task, msg string) {
	now := d.nowFn()
	attempt := task.Attempt + 1
	if attempt >= d.maxAttempts {
		d.record(ctx, task, "failed", msg, now, nil)
		d.logger.Warn("webhook delivery abandoned",
			slog.Uint64("subscription", task.Subscription.ID),
			slog.String("url", logging.RedactURL(task.Subscription.URL)),
			slog.Uint64("sequence", task.Event.Sequence),
			slog.String("error", msg))
		return
	}
	next := now.Add(d.backoff(attempt))
	d.record(ctx, task, "retry", msg, now, &next)
	task.Attempt = attempt
	task.NotBefore = next
	d.queue.Push(task)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := d.backoffBase * time.Duration(1<<uint(attempt-1))
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

func (d *Dispatcher) record(ctx context.Context, task Task, status, msg string, now time.Time, next *time.Time) {
	d.queue.metrics.recordDelivery(status)
	attempt := &Attempt{
		SubscriptionID: task.Subscription.ID,
		EventSequence:  task.Event.Sequence,
		Attempt:        task.Attempt + 1,
		Status:         status,
		Error:          msg,
		NextAttempt:    next,
		CreatedAt:      now,
	}
	if err := d.store.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Warn("record attempt failed", slog.Any("error", err))
	}
}

// reserve returns how long sub must wait before its next delivery.
func (d *Dispatcher) reserve(sub *Subscription, now time.Time) time.Duration {
	perMinute := sub.RateLimit
	if perMinute <= 0 {
		perMinute = defaultRatePerMin
	}
	d.limMu.Lock()
	lim, ok := d.limiters[sub.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		d.limiters[sub.ID] = lim
	}
	d.limMu.Unlock()
	res := lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

type payload struct {
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	Escrow     string            `json:"escrow,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

func encodePayload(rec events.Record, now time.Time) ([]byte, error) {
	return json.Marshal(payload{
		Type:       rec.Type,
		Sequence:   rec.Sequence,
		Escrow:     rec.Attributes["escrow"],
		Attributes: rec.Attributes,
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
