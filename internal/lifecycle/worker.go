// Package lifecycle retires abandoned multipart uploads. An upload that
// is never completed or aborted keeps its tracking rows (and whatever
// parts the blob backend holds for it) forever, so uploads older than a
// configured age are aborted on a timer.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/metrics"
)

// Index is the slice of the index API the sweeper drives. In a cluster
// the caller passes the replicated front so aborts reach every node.
type Index interface {
	ExpiredUploads(before int64) ([]string, error)
	AbortUpload(ctx context.Context, uploadID string) error
}

type Worker struct {
	ix       Index
	mx       *metrics.Metrics
	interval time.Duration
	maxAge   time.Duration
}

func NewWorker(ix Index, mx *metrics.Metrics, intervalSecs, maxAgeDays int) *Worker {
	return &Worker{
		ix:       ix,
		mx:       mx,
		interval: time.Duration(intervalSecs) * time.Second,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once at startup
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	w.sweepBefore(ctx, time.Now().Add(-w.maxAge).UnixNano())
}

func (w *Worker) sweepBefore(ctx context.Context, cutoff int64) {
	// Followers skip the sweep; the leader's aborts replicate to them.
	if led, ok := w.ix.(interface{ IsLeader() bool }); ok && !led.IsLeader() {
		return
	}

	ids, err := w.ix.ExpiredUploads(cutoff)
	if err != nil {
		slog.Error("lifecycle error listing stale uploads", "error", err)
		return
	}

	var aborted int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		err := w.ix.AbortUpload(ctx, id)
		switch {
		case err == nil:
			aborted++
		case errors.Is(err, index.ErrNotFound):
			// Completed or aborted since the scan.
		default:
			slog.Error("lifecycle error aborting upload", "upload_id", id, "error", err)
		}
	}

	if aborted > 0 {
		w.mx.AddExpired(aborted)
		slog.Info("lifecycle aborted stale uploads", "count", aborted)
	}
}
