// Package accesslog appends one JSON line per API request to a file, for
// audit trails that outlive the process logs.
package accesslog

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

type AccessEntry struct {
	Time      time.Time `json:"time"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	DurMs     int64     `json:"duration_ms"`
	ClientIP  string    `json:"client_ip"`
	RequestID string    `json:"request_id,omitempty"`
}

type AccessLogger struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

func NewAccessLogger(path string) (*AccessLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AccessLogger{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (l *AccessLogger) Log(entry AccessEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Encode(entry)
}

func (l *AccessLogger) Close() error {
	return l.file.Close()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Middleware records one entry per request served by next. Place it inside
// the request-ID wrapper so the entry can carry the assigned ID. Probe
// endpoints are skipped; health checks would drown the audit trail.
func (l *AccessLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		l.Log(AccessEntry{
			Time:      start.UTC(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    sw.status,
			DurMs:     time.Since(start).Milliseconds(),
			ClientIP:  ip,
			RequestID: w.Header().Get("X-Request-Id"),
		})
	})
}
