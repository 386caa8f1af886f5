package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/keydex/keydex/internal/index"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Open(filepath.Join(t.TempDir(), "test.db"), index.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func mustCreateUpload(t *testing.T, ix *index.Index, bucket, key string) string {
	t.Helper()
	up, err := ix.CreateUpload(context.Background(), index.Upload{Bucket: bucket, Key: key})
	if err != nil {
		t.Fatalf("CreateUpload %s/%s: %v", bucket, key, err)
	}
	return up.ID
}

func TestNewWorker(t *testing.T) {
	ix := newTestIndex(t)

	w := NewWorker(ix, nil, 60, 7)
	if w.interval != 60*time.Second {
		t.Errorf("interval: got %v, want 60s", w.interval)
	}
	if w.maxAge != 7*24*time.Hour {
		t.Errorf("max age: got %v, want 168h", w.maxAge)
	}
}

func TestSweep_EmptyIndex(t *testing.T) {
	ix := newTestIndex(t)

	w := NewWorker(ix, nil, 3600, 7)
	w.sweep(context.Background()) // should not panic with nothing to do
}

func TestSweep_FreshUploadsKept(t *testing.T) {
	ix := newTestIndex(t)
	id := mustCreateUpload(t, ix, "photos", "2024/big.iso")

	w := NewWorker(ix, nil, 3600, 7)
	w.sweep(context.Background())

	if _, err := ix.GetUpload(id); err != nil {
		t.Errorf("fresh upload swept: %v", err)
	}
}

func TestSweepBefore_AbortsStaleUploads(t *testing.T) {
	ix := newTestIndex(t)
	a := mustCreateUpload(t, ix, "photos", "2024/a.iso")
	b := mustCreateUpload(t, ix, "docs", "reports/b.iso")

	// A cutoff in the future makes every upload stale.
	w := NewWorker(ix, nil, 3600, 7)
	w.sweepBefore(context.Background(), time.Now().Add(time.Hour).UnixNano())

	for _, id := range []string{a, b} {
		_, err := ix.GetUpload(id)
		if !errors.Is(err, index.ErrNotFound) {
			t.Errorf("upload %s: got %v, want ErrNotFound", id, err)
		}
	}
}

func TestSweepBefore_UploadOnlyBucket(t *testing.T) {
	ix := newTestIndex(t)
	// A bucket with no completed objects has no usage row, but its
	// uploads must still be swept.
	id := mustCreateUpload(t, ix, "staging", "incoming/huge.bin")

	w := NewWorker(ix, nil, 3600, 7)
	w.sweepBefore(context.Background(), time.Now().Add(time.Hour).UnixNano())

	if _, err := ix.GetUpload(id); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("upload in object-free bucket survived: %v", err)
	}
}

func TestSweepBefore_CancelledContext(t *testing.T) {
	ix := newTestIndex(t)
	id := mustCreateUpload(t, ix, "photos", "2024/a.iso")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(ix, nil, 3600, 7)
	w.sweepBefore(ctx, time.Now().Add(time.Hour).UnixNano())

	if _, err := ix.GetUpload(id); err != nil {
		t.Errorf("sweep ran despite cancelled context: %v", err)
	}
}

type leaderGate struct {
	*index.Index
	leader bool
}

func (g *leaderGate) IsLeader() bool { return g.leader }

func TestSweepBefore_FollowerSkips(t *testing.T) {
	ix := newTestIndex(t)
	id := mustCreateUpload(t, ix, "photos", "2024/a.iso")
	cutoff := time.Now().Add(time.Hour).UnixNano()

	w := NewWorker(&leaderGate{Index: ix, leader: false}, nil, 3600, 7)
	w.sweepBefore(context.Background(), cutoff)
	if _, err := ix.GetUpload(id); err != nil {
		t.Fatalf("follower swept: %v", err)
	}

	w = NewWorker(&leaderGate{Index: ix, leader: true}, nil, 3600, 7)
	w.sweepBefore(context.Background(), cutoff)
	if _, err := ix.GetUpload(id); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("leader did not sweep: %v", err)
	}
}

func TestExpiredUploads_OldestFirst(t *testing.T) {
	ix := newTestIndex(t)
	first := mustCreateUpload(t, ix, "photos", "2024/a.iso")
	time.Sleep(2 * time.Millisecond)
	second := mustCreateUpload(t, ix, "photos", "2024/b.iso")

	ids, err := ix.ExpiredUploads(time.Now().Add(time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("ExpiredUploads: %v", err)
	}
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Errorf("got %v, want [%s %s]", ids, first, second)
	}
}

func TestExpiredUploads_CutoffExcludes(t *testing.T) {
	ix := newTestIndex(t)
	mustCreateUpload(t, ix, "photos", "2024/a.iso")

	ids, err := ix.ExpiredUploads(time.Now().Add(-time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("ExpiredUploads: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("got %v, want no stale uploads", ids)
	}
}
