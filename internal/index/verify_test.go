package index

import (
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
)

func TestVerifyBucket_Clean(t *testing.T) {
	ix := newTestIndex(t)
	mustInsert(t, ix, "photos", "2024/06/a.jpg", 100)
	mustInsert(t, ix, "photos", "2024/06/b.jpg", 50)
	mustInsert(t, ix, "photos", "readme.txt", 10)

	rep, err := ix.VerifyBucket("photos")
	if err != nil {
		t.Fatalf("VerifyBucket: %v", err)
	}
	if !rep.Clean() {
		t.Fatalf("expected clean report, got %+v", rep)
	}
	if rep.Objects != 3 {
		t.Errorf("objects = %d, want 3", rep.Objects)
	}
	if rep.Prefixes != 2 {
		t.Errorf("prefixes = %d, want 2", rep.Prefixes)
	}
}

func TestVerifyBucket_MissingPrefix(t *testing.T) {
	ix := newTestIndex(t)
	mustInsert(t, ix, "photos", "2024/a.jpg", 100)

	// Damage the file outside the mutation path.
	err := ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(prefixesBucket).Delete(prefixKey("photos", keypath.Level("2024"), "2024"))
	})
	if err != nil {
		t.Fatalf("delete prefix row: %v", err)
	}

	rep, err := ix.VerifyBucket("photos")
	if err != nil {
		t.Fatalf("VerifyBucket: %v", err)
	}
	if rep.Clean() {
		t.Fatal("expected drift report")
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != "2024" {
		t.Errorf("missing = %v, want [2024]", rep.Missing)
	}
}

func TestVerifyBucket_OrphanedPrefix(t *testing.T) {
	ix := newTestIndex(t)
	mustInsert(t, ix, "photos", "2024/a.jpg", 100)

	err := ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(prefixesBucket).Put(prefixKey("photos", keypath.Level("stale"), "stale"), []byte(`{}`))
	})
	if err != nil {
		t.Fatalf("plant orphan row: %v", err)
	}

	rep, err := ix.VerifyBucket("photos")
	if err != nil {
		t.Fatalf("VerifyBucket: %v", err)
	}
	if len(rep.Orphaned) != 1 || rep.Orphaned[0] != "stale" {
		t.Errorf("orphaned = %v, want [stale]", rep.Orphaned)
	}
}

func TestVerifyBucket_UsageDrift(t *testing.T) {
	ix := newTestIndex(t)
	mustInsert(t, ix, "photos", "a.jpg", 100)
	mustInsert(t, ix, "photos", "b.jpg", 50)

	err := ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).Put([]byte("photos"), []byte(`{"bucket":"photos","objects":2,"total_bytes":999}`))
	})
	if err != nil {
		t.Fatalf("overwrite usage row: %v", err)
	}

	rep, err := ix.VerifyBucket("photos")
	if err != nil {
		t.Fatalf("VerifyBucket: %v", err)
	}
	if rep.UsageDrift == nil {
		t.Fatal("expected usage drift")
	}
	if rep.UsageDrift.RecordedBytes != 999 || rep.UsageDrift.ActualBytes != 150 {
		t.Errorf("drift = %+v, want recorded 999 actual 150", rep.UsageDrift)
	}
}

func TestVerifyBucket_EmptyBucket(t *testing.T) {
	ix := newTestIndex(t)

	rep, err := ix.VerifyBucket("empty")
	if err != nil {
		t.Fatalf("VerifyBucket: %v", err)
	}
	if !rep.Clean() || rep.Objects != 0 || rep.Prefixes != 0 {
		t.Errorf("expected clean empty report, got %+v", rep)
	}
}

func TestVerifyBucket_BadName(t *testing.T) {
	ix := newTestIndex(t)
	if _, err := ix.VerifyBucket("x"); err == nil {
		t.Fatal("expected validation error for short bucket name")
	}
}
