// Package metrics exposes Prometheus instruments for a keydex node.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all keydex metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds the instruments for one node. A nil *Metrics is valid and
// records nothing, so library code never has to check before recording.
type Metrics struct {
	Ops             *prometheus.CounterVec // index mutations by operation
	Listings        *prometheus.CounterVec // listing pages by strategy
	LockWait        prometheus.Histogram
	LockTimeouts    prometheus.Counter
	PrefixesCreated prometheus.Counter
	PrefixesPruned  prometheus.Counter

	HTTPDuration *prometheus.HistogramVec // labels: method, code

	NotifyQueueDepth prometheus.Gauge
	NotifyDeliveries *prometheus.CounterVec // labels: backend, result

	RaftApplies prometheus.Counter

	RateLimited    prometheus.Counter
	UploadsExpired prometheus.Counter
	Drift          *prometheus.CounterVec // verifier findings by kind
	Backups        *prometheus.CounterVec // labels: result
}

var (
	node     *Metrics
	nodeOnce sync.Once
)

// New returns the node's instruments, registering them against the
// package registry on first call. Later calls return the same set.
func New() *Metrics {
	nodeOnce.Do(func() { node = newMetrics() })
	return node
}

func newMetrics() *Metrics {
	return &Metrics{
		Ops: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "keydex_index_ops_total",
			Help: "Completed index operations by name",
		}, []string{"op"}),
		Listings: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "keydex_listings_total",
			Help: "Listing pages served by strategy",
		}, []string{"strategy"}),
		LockWait: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "keydex_lock_wait_seconds",
			Help:    "Time spent waiting for top-segment locks",
			Buckets: prometheus.DefBuckets,
		}),
		LockTimeouts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_lock_timeouts_total",
			Help: "Lock acquisitions abandoned at the deadline",
		}),
		PrefixesCreated: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_prefixes_created_total",
			Help: "Prefix rows created by the maintainer",
		}),
		PrefixesPruned: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_prefixes_pruned_total",
			Help: "Prefix rows removed by the pruner",
		}),
		HTTPDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keydex_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		NotifyQueueDepth: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "keydex_notify_queue_depth",
			Help: "Events waiting for dispatch",
		}),
		NotifyDeliveries: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "keydex_notify_deliveries_total",
			Help: "Event deliveries by backend and result",
		}, []string{"backend", "result"}),
		RaftApplies: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_raft_applies_total",
			Help: "Replicated commands applied to the local index",
		}),
		RateLimited: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_ratelimited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		UploadsExpired: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "keydex_uploads_expired_total",
			Help: "Stale multipart uploads aborted by the sweeper",
		}),
		Drift: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "keydex_verify_drift_total",
			Help: "Inconsistencies found by the background verifier",
		}, []string{"kind"}),
		Backups: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "keydex_backups_total",
			Help: "Snapshot backup runs by result",
		}, []string{"result"}),
	}
}

// Handler serves the package registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordOp(op string) {
	if m == nil {
		return
	}
	m.Ops.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordListing(strategy string) {
	if m == nil {
		return
	}
	m.Listings.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
	if !ok {
		m.LockTimeouts.Inc()
	}
}

func (m *Metrics) AddPrefixes(created, pruned int) {
	if m == nil {
		return
	}
	if created > 0 {
		m.PrefixesCreated.Add(float64(created))
	}
	if pruned > 0 {
		m.PrefixesPruned.Add(float64(pruned))
	}
}

func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, strconv.Itoa(code)).Observe(d.Seconds())
}

func (m *Metrics) SetNotifyQueue(n int) {
	if m == nil {
		return
	}
	m.NotifyQueueDepth.Set(float64(n))
}

func (m *Metrics) RecordDelivery(backend, result string) {
	if m == nil {
		return
	}
	m.NotifyDeliveries.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) RecordApply() {
	if m == nil {
		return
	}
	m.RaftApplies.Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UploadsExpired.Add(float64(n))
}

func (m *Metrics) RecordDrift(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Drift.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordBackup(result string) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(result).Inc()
}

// BucketStat is one bucket's usage snapshot for export.
type BucketStat struct {
	Bucket  string
	Objects int64
	Bytes   int64
}

// UsageCollector exports per-bucket usage at scrape time through the
// provided snapshot function, so totals stay in step with the index
// without a background refresher.
type UsageCollector struct {
	snapshot func() []BucketStat
	size     *prometheus.Desc
	objects  *prometheus.Desc
}

func NewUsageCollector(snapshot func() []BucketStat) *UsageCollector {
	return &UsageCollector{
		snapshot: snapshot,
		size: prometheus.NewDesc("keydex_bucket_size_bytes",
			"Total indexed bytes per bucket", []string{"bucket"}, nil),
		objects: prometheus.NewDesc("keydex_bucket_objects",
			"Indexed objects per bucket", []string{"bucket"}, nil),
	}
}

// RegisterUsage installs a usage collector on the package registry,
// replacing any collector from an earlier index instance.
func RegisterUsage(snapshot func() []BucketStat) {
	uc := NewUsageCollector(snapshot)
	Registry.Unregister(uc)
	Registry.MustRegister(uc)
}

func (uc *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- uc.size
	ch <- uc.objects
}

func (uc *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range uc.snapshot() {
		ch <- prometheus.MustNewConstMetric(uc.size, prometheus.GaugeValue, float64(s.Bytes), s.Bucket)
		ch <- prometheus.MustNewConstMetric(uc.objects, prometheus.GaugeValue, float64(s.Objects), s.Bucket)
	}
}
