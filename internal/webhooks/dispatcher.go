package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	sha256 "github.com/minio/sha256-simd"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/settle/internal/circuitbreaker"
	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/retry"
	"github.com/mbd888/settle/internal/security"
	"github.com/mbd888/settle/internal/traces"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Settle-Event"
	HeaderDelivery  = "X-Settle-Delivery"
	HeaderTimestamp = "X-Settle-Timestamp"
	HeaderSignature = "X-Settle-Signature"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Escrow events offered to webhook subscribers by event type.",
	}, []string{"event_type"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settle",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one webhook, retries included.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(emitTotal, deliveriesTotal, deliveryDuration)
}

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Config tunes delivery.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	Retry   retry.Policy
	// BreakerThreshold consecutive failed deliveries open a subscription's
	// circuit for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// DisableAfter consecutive failures deactivate a subscription.
	DisableAfter int
}

// DefaultConfig returns production delivery settings.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        1024,
		Timeout:          10 * time.Second,
		Retry:            retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		DisableAfter:     50,
	}
}

type delivery struct {
	sub     *Subscription
	event   string
	id      string
	payload []byte
}

// Dispatcher fans escrow events out to subscribers. It implements
// escrow.Emitter; Emit only enqueues, and Run's workers perform the HTTP
// calls.
type Dispatcher struct {
	store       Store
	cfg         Config
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	queue       chan delivery
	validateURL func(context.Context, string) error
	now         func() time.Time
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithURLValidator replaces the endpoint check applied at registration and
// before every delivery.
func WithURLValidator(fn func(context.Context, string) error) Option {
	return func(d *Dispatcher) { d.validateURL = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		store:       store,
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		breaker:     circuitbreaker.New("webhook", cfg.BreakerThreshold, cfg.BreakerCooldown),
		queue:       make(chan delivery, cfg.QueueSize),
		validateURL: security.ValidateEndpointURL,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker.WithClock(d.now)
	d.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		d.logger.Info("webhook circuit changed", "subscription", key, "from", from, "to", to)
	})
	return d
}

// ValidateURL applies the dispatcher's endpoint check.
func (d *Dispatcher) ValidateURL(ctx context.Context, rawURL string) error {
	return d.validateURL(ctx, rawURL)
}

// Forget drops per-subscription delivery state.
func (d *Dispatcher) Forget(id string) {
	d.breaker.Reset(id)
}

// Emit queues ev for every active subscription owned by the escrow's buyer
// or seller. It never blocks; deliveries that do not fit the queue are
// dropped and reported as ErrQueueFull.
func (d *Dispatcher) Emit(ctx context.Context, ev escrow.Event) error {
	owners := make([]keys.PublicKey, 0, 2)
	for _, s := range []string{ev.Buyer, ev.Seller} {
		if k, err := keys.Parse(s); err == nil {
			owners = append(owners, k)
		}
	}
	if len(owners) == 0 {
		return nil
	}

	subs, err := d.store.ListActive(ctx, owners...)
	if err != nil {
		return fmt.Errorf("webhooks: list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	emitTotal.WithLabelValues(ev.Type).Inc()

	body := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      ev.Type,
		Timestamp: time.Unix(ev.Timestamp, 0).UTC(),
		Data:      ev.Attributes(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	dropped := 0
	for _, sub := range subs {
		if !sub.Wants(ev.Type) {
			continue
		}
		select {
		case d.queue <- delivery{sub: sub, event: ev.Type, id: body.ID, payload: payload}:
		default:
			dropped++
			deliveriesTotal.WithLabelValues("dropped").Inc()
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d deliveries dropped", ErrQueueFull, dropped)
	}
	return nil
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.queue:
					d.deliver(ctx, job)
				}
			}
		}()
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	ctx, span := traces.StartSpan(ctx, "webhook.deliver",
		attribute.String("webhook.subscription", job.sub.ID),
		attribute.String("webhook.event", job.event),
	)
	defer span.End()

	start := time.Now()
	err := d.breaker.Do(job.sub.ID, func() error {
		return d.cfg.Retry.Do(ctx, func() error { return d.post(ctx, job) })
	})
	deliveryDuration.Observe(time.Since(start).Seconds())
	traces.RecordError(span, err)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		deliveriesTotal.WithLabelValues("circuit_open").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}

	res := Result{At: d.now(), DisableAfter: d.cfg.DisableAfter}
	if err != nil {
		res.Err = err.Error()
		deliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed", "subscription", job.sub.ID, "event", job.event, "error", err)
	} else {
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}

	disabled, rerr := d.store.RecordResult(ctx, job.sub.ID, res)
	if rerr != nil && !errors.Is(rerr, ErrNotFound) {
		d.logger.Error("webhook result not recorded", "subscription", job.sub.ID, "error", rerr)
	}
	if disabled {
		d.logger.Warn("webhook subscription disabled", "subscription", job.sub.ID, "failures", d.cfg.DisableAfter)
	}
}

// post makes one delivery attempt. Client errors other than 408 and 429 are
// permanent.
func (d *Dispatcher) post(ctx context.Context, job delivery) error {
	if err := d.validateURL(ctx, job.sub.URL); err != nil {
		return retry.Permanent(err)
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "settle-webhooks")
	req.Header.Set(HeaderEvent, job.event)
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderTimestamp, ts)
	if job.sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(job.sub.Secret, ts, job.payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrDeliveryError, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrDeliveryError, resp.StatusCode))
	}
	return fmt.Errorf("%w: status %d", ErrDeliveryError, resp.StatusCode)
}

// Sign returns the signature header value for a payload: "sha256=" followed
// by the hex HMAC-SHA256 of "<timestamp>.<payload>" under secret.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}
