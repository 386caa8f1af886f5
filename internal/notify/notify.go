package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/metrics"
)

// Notification is the JSON envelope delivered to webhooks and backends.
type Notification struct {
	Version string      `json:"version"`
	Source  string      `json:"source"`
	Time    string      `json:"time"`
	Event   index.Event `json:"event"`
}

// Backend is the interface for notification delivery backends. Publish
// receives both the decoded event (for routing) and the serialized envelope.
type Backend interface {
	Name() string
	Publish(ctx context.Context, ev index.Event, payload []byte) error
	Close() error
}

type deliveryJob struct {
	endpoint   string
	payload    []byte
	retryCount int
	maxRetries int
}

// Dispatcher fans committed index events out to registered backends and to
// the configured webhook endpoints. Webhook delivery is async with retry.
type Dispatcher struct {
	client     *http.Client
	workerCh   chan deliveryJob
	wg         sync.WaitGroup
	maxWorkers int
	maxRetries int
	backoff    []time.Duration
	webhooks   []config.WebhookConfig
	backends   []Backend
	mx         *metrics.Metrics
	mu         sync.Mutex
}

func NewDispatcher(cfg config.NotifyConfig, mx *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		workerCh:   make(chan deliveryJob, cfg.QueueSize),
		maxWorkers: cfg.MaxWorkers,
		maxRetries: cfg.MaxRetries,
		backoff:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		webhooks:   cfg.Webhooks,
		mx:         mx,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliverWebhook(job)
				}
			}
		}()
	}
}

// AddBackend registers a notification backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	slog.Info("notification backend registered", "backend", b.Name())
}

func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		b.Close()
	}
}

// Dispatch publishes each event to every backend and enqueues matching
// webhook deliveries. The signature matches the index mutation hook.
func (d *Dispatcher) Dispatch(events []index.Event) {
	for _, ev := range events {
		d.dispatchOne(ev)
	}
	d.mx.SetNotifyQueue(len(d.workerCh))
}

func (d *Dispatcher) dispatchOne(ev index.Event) {
	payload, err := json.Marshal(Notification{
		Version: "1",
		Source:  "keydex",
		Time:    time.Unix(0, ev.At).UTC().Format(time.RFC3339Nano),
		Event:   ev,
	})
	if err != nil {
		slog.Error("notify error marshaling event", "error", err)
		return
	}

	// Publish to all registered backends
	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()
	for _, b := range backends {
		if err := b.Publish(context.Background(), ev, payload); err != nil {
			slog.Error("notify backend publish error", "backend", b.Name(), "error", err)
			d.mx.RecordDelivery(b.Name(), "error")
			continue
		}
		d.mx.RecordDelivery(b.Name(), "ok")
	}

	for _, wh := range d.webhooks {
		if !matchEvent(wh.Events, ev.Type) {
			continue
		}
		if !matchKey(wh.Prefix, wh.Suffix, ev.Key) {
			continue
		}

		job := deliveryJob{
			endpoint:   wh.Endpoint,
			payload:    payload,
			retryCount: 0,
			maxRetries: d.maxRetries,
		}

		// Non-blocking send — drop if queue is full
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full, dropping event", "event", ev.Type, "bucket", ev.Bucket, "key", ev.Key)
			d.mx.RecordDelivery("webhook", "dropped")
		}
	}
}

func (d *Dispatcher) deliverWebhook(job deliveryJob) {
	resp, err := d.client.Post(job.endpoint, "application/json", bytes.NewReader(job.payload))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			d.mx.RecordDelivery("webhook", "ok")
			return
		}
		err = &httpError{statusCode: resp.StatusCode}
	}

	// Retry
	if job.retryCount < job.maxRetries-1 {
		backoffIdx := job.retryCount
		if backoffIdx >= len(d.backoff) {
			backoffIdx = len(d.backoff) - 1
		}
		time.Sleep(d.backoff[backoffIdx])

		job.retryCount++
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full on retry, dropping webhook", "endpoint", job.endpoint)
			d.mx.RecordDelivery("webhook", "dropped")
		}
	} else {
		slog.Error("notify webhook failed after retries", "retries", job.maxRetries, "endpoint", job.endpoint, "error", err)
		d.mx.RecordDelivery("webhook", "error")
	}
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return "webhook returned non-success status"
}

// matchEvent checks if the event name matches any of the configured patterns.
// An endpoint with no patterns receives every event.
func matchEvent(patterns []string, actual string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == actual {
			return true
		}
		// Wildcard matching: "object.*" matches "object.inserted"
		if strings.HasSuffix(p, ".*") {
			prefix := p[:len(p)-1] // "object."
			if strings.HasPrefix(actual, prefix) {
				return true
			}
		}
		// Global wildcard
		if p == "*" {
			return true
		}
	}
	return false
}

// matchKey applies the optional key prefix/suffix filters.
func matchKey(prefix, suffix, key string) bool {
	if prefix != "" && !strings.HasPrefix(key, prefix) {
		return false
	}
	if suffix != "" && !strings.HasSuffix(key, suffix) {
		return false
	}
	return true
}
