package scanner

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	bolt "go.etcd.io/bbolt"

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

func mustInsert(t *testing.T, ix *index.Index, bucket, key string, size int64) {
	t.Helper()
	err := ix.ObjectInserted(context.Background(), index.Object{
		Bucket: bucket, Key: key, Size: size, ETag: `"` + key + `"`,
	})
	if err != nil {
		t.Fatalf("ObjectInserted %s/%s: %v", bucket, key, err)
	}
}

func TestScan_CleanIndex(t *testing.T) {
	ix := newTestIndex(t)
	mustInsert(t, ix, "photos", "2024/06/cat.jpg", 100)
	mustInsert(t, ix, "docs", "readme.txt", 10)

	s := NewScanner(ix, nil, 3600)
	s.CheckNow()

	results := s.RecentResults(10)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != "clean" {
			t.Errorf("bucket %s: status %q, detail %q", r.Bucket, r.Status, r.Detail)
		}
	}
}

func TestScan_ReportsDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ix, err := index.Open(path, index.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustInsert(t, ix, "photos", "2024/cat.jpg", 100)
	ix.Close()

	// Damage the file the way a stray writer would: drop the prefix
	// rows behind the index's back.
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("prefixes"))
		var keys [][]byte
		b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte{}, k...))
			return nil
		})
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	db.Close()
	if err != nil {
		t.Fatalf("damage index: %v", err)
	}

	ix, err = index.Open(path, index.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	s := NewScanner(ix, nil, 3600)
	s.CheckNow()

	results := s.RecentResults(1)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != "drift" {
		t.Fatalf("status = %q, want drift", results[0].Status)
	}
	if !strings.Contains(results[0].Detail, "1 missing") {
		t.Errorf("detail = %q", results[0].Detail)
	}
}

func TestRecentResults_MostRecentFirst(t *testing.T) {
	s := NewScanner(nil, nil, 3600)
	s.addResult(ScanResult{Bucket: "first"})
	s.addResult(ScanResult{Bucket: "second"})

	results := s.RecentResults(10)
	if len(results) != 2 || results[0].Bucket != "second" || results[1].Bucket != "first" {
		t.Errorf("results = %+v", results)
	}
}

func TestRecentResults_Limit(t *testing.T) {
	s := NewScanner(nil, nil, 3600)
	for i := 0; i < 5; i++ {
		s.addResult(ScanResult{Bucket: "b"})
	}

	if got := len(s.RecentResults(3)); got != 3 {
		t.Errorf("got %d results, want 3", got)
	}
	if got := len(s.RecentResults(0)); got != 5 {
		t.Errorf("limit 0: got %d results, want all 5", got)
	}
}
