// Package ratelimit throttles API traffic with token buckets keyed by
// client IP and by storage bucket, so one noisy client or tenant cannot
// starve the index.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keydex/keydex/internal/metrics"
)

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
	rps      float64
	burst    int
}

func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rps
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type Limiter struct {
	mu sync.Mutex

	ipLimits     map[string]*tokenBucket
	bucketLimits map[string]*tokenBucket

	ipRPS       float64
	ipBurst     int
	bucketRPS   float64
	bucketBurst int

	rejected atomic.Int64
	stopCh   chan struct{}
}

func NewLimiter(ipRPS float64, ipBurst int, bucketRPS float64, bucketBurst int) *Limiter {
	l := &Limiter{
		ipLimits:     make(map[string]*tokenBucket),
		bucketLimits: make(map[string]*tokenBucket),
		ipRPS:        ipRPS,
		ipBurst:      ipBurst,
		bucketRPS:    bucketRPS,
		bucketBurst:  bucketBurst,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request from clientIP touching bucket may
// proceed. An empty bucket skips the per-bucket check.
func (l *Limiter) Allow(clientIP, bucket string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	ib, ok := l.ipLimits[clientIP]
	if !ok {
		ib = &tokenBucket{tokens: float64(l.ipBurst), lastTime: now, rps: l.ipRPS, burst: l.ipBurst}
		l.ipLimits[clientIP] = ib
	}
	if !ib.allow(now) {
		l.rejected.Add(1)
		return false
	}

	if bucket != "" {
		bb, ok := l.bucketLimits[bucket]
		if !ok {
			bb = &tokenBucket{tokens: float64(l.bucketBurst), lastTime: now, rps: l.bucketRPS, burst: l.bucketBurst}
			l.bucketLimits[bucket] = bb
		}
		if !bb.allow(now) {
			l.rejected.Add(1)
			return false
		}
	}

	return true
}

func (l *Limiter) Status() map[string]interface{} {
	l.mu.Lock()
	ipCount := len(l.ipLimits)
	bucketCount := len(l.bucketLimits)
	l.mu.Unlock()

	return map[string]interface{}{
		"active_ip_limiters":     ipCount,
		"active_bucket_limiters": bucketCount,
		"total_rejected":         l.rejected.Load(),
		"ip_rps":                 l.ipRPS,
		"ip_burst":               l.ipBurst,
		"per_bucket_rps":         l.bucketRPS,
		"per_bucket_burst":       l.bucketBurst,
	}
}

func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for ip, b := range l.ipLimits {
				if now.Sub(b.lastTime) > 5*time.Minute {
					delete(l.ipLimits, ip)
				}
			}
			for name, b := range l.bucketLimits {
				if now.Sub(b.lastTime) > 5*time.Minute {
					delete(l.bucketLimits, name)
				}
			}
			l.mu.Unlock()
		}
	}
}

// bucketFromPath extracts the bucket segment from /v1/buckets/<bucket>/...
// paths; other routes limit by IP alone.
func bucketFromPath(path string) string {
	const p = "/v1/buckets/"
	if !strings.HasPrefix(path, p) {
		return ""
	}
	rest := strings.TrimPrefix(path, p)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Middleware rejects over-limit requests with 429 and a Retry-After
// hint. Probe endpoints are exempt so a throttled client cannot make a
// load balancer mark the node unhealthy.
func Middleware(l *Limiter, mx *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !l.Allow(ip, bucketFromPath(r.URL.Path)) {
			mx.RecordRateLimited()
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
