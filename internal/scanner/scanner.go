// Package scanner runs periodic consistency checks over the index.
// Every mutation commits its object, prefix, and usage rows in one
// transaction, so drift between them means the database file was
// changed outside the API. The scanner surfaces that before listings
// start lying.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/metrics"
)

// ScanResult records the outcome of one bucket check.
type ScanResult struct {
	Bucket    string `json:"bucket"`
	Status    string `json:"status"` // "clean", "drift", "error"
	Detail    string `json:"detail,omitempty"`
	ScannedAt int64  `json:"scanned_at"`
}

type Scanner struct {
	ix       *index.Index
	mx       *metrics.Metrics
	interval time.Duration

	results []ScanResult
	mu      sync.RWMutex
}

func NewScanner(ix *index.Index, mx *metrics.Metrics, intervalSecs int) *Scanner {
	return &Scanner{
		ix:       ix,
		mx:       mx,
		interval: time.Duration(intervalSecs) * time.Second,
	}
}

// Run checks every bucket once per interval. The first pass waits a full
// interval so a restart loop does not hammer a large index.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

// CheckNow runs one full pass immediately.
func (s *Scanner) CheckNow() {
	s.scan()
}

func (s *Scanner) scan() {
	buckets, err := s.ix.Buckets()
	if err != nil {
		slog.Error("scanner error listing buckets", "error", err)
		return
	}
	for _, bucket := range buckets {
		s.scanBucket(bucket)
	}
}

func (s *Scanner) scanBucket(bucket string) {
	result := ScanResult{Bucket: bucket, ScannedAt: time.Now().Unix()}

	rep, err := s.ix.VerifyBucket(bucket)
	switch {
	case err != nil:
		result.Status = "error"
		result.Detail = err.Error()
		slog.Error("scanner error verifying bucket", "bucket", bucket, "error", err)
	case rep.Clean():
		result.Status = "clean"
	default:
		result.Status = "drift"
		result.Detail = describeDrift(rep)
		slog.Error("scanner found index drift", "bucket", bucket, "detail", result.Detail)
		s.mx.RecordDrift("missing", len(rep.Missing))
		s.mx.RecordDrift("orphaned", len(rep.Orphaned))
		if rep.UsageDrift != nil {
			s.mx.RecordDrift("usage", 1)
		}
	}

	s.addResult(result)
}

func describeDrift(rep *index.VerifyReport) string {
	d := fmt.Sprintf("%d missing, %d orphaned prefix rows", len(rep.Missing), len(rep.Orphaned))
	if rep.UsageDrift != nil {
		d += fmt.Sprintf("; usage records %d objects / %d bytes, found %d / %d",
			rep.UsageDrift.RecordedObjects, rep.UsageDrift.RecordedBytes,
			rep.UsageDrift.ActualObjects, rep.UsageDrift.ActualBytes)
	}
	return d
}

// RecentResults returns recent check outcomes.
func (s *Scanner) RecentResults(limit int) []ScanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.results) {
		limit = len(s.results)
	}
	// Return most recent first
	start := len(s.results) - limit
	if start < 0 {
		start = 0
	}
	results := make([]ScanResult, limit)
	for i, j := 0, len(s.results)-1; i < limit && j >= start; i, j = i+1, j-1 {
		results[i] = s.results[j]
	}
	return results
}

func (s *Scanner) addResult(r ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	// Keep last 1000 results
	if len(s.results) > 1000 {
		s.results = s.results[len(s.results)-1000:]
	}
}
