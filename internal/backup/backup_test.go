package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keydex/keydex/internal/config"
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

func TestRunBackup_WritesRestorableSnapshot(t *testing.T) {
	ix := newTestIndex(t)
	obj := index.Object{Bucket: "photos", Key: "2024/cat.jpg", Size: 100, ETag: `"abc"`}
	if err := ix.ObjectInserted(context.Background(), obj); err != nil {
		t.Fatalf("ObjectInserted: %v", err)
	}

	dir := t.TempDir()
	s := NewScheduler(ix, nil, config.BackupConfig{Dir: dir, Keep: 3})
	s.runBackup()

	snaps, err := s.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if !strings.HasPrefix(snaps[0], "keydex-") || !strings.HasSuffix(snaps[0], ".snap") {
		t.Errorf("unexpected snapshot name %q", snaps[0])
	}

	// A snapshot file must bring up a working index on its own.
	f, err := os.Open(filepath.Join(dir, snaps[0]))
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer f.Close()

	restored := newTestIndex(t)
	if err := restored.RestoreSnapshot(f); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	got, err := restored.GetObject("photos", "2024/cat.jpg")
	if err != nil {
		t.Fatalf("GetObject after restore: %v", err)
	}
	if got.Size != 100 {
		t.Errorf("restored size: got %d, want 100", got.Size)
	}
}

func TestPrune_KeepsNewest(t *testing.T) {
	ix := newTestIndex(t)
	dir := t.TempDir()
	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("keydex-2024010%d-000000.snap", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	s := NewScheduler(ix, nil, config.BackupConfig{Dir: dir, Keep: 2})
	if err := s.prune(); err != nil {
		t.Fatalf("prune: %v", err)
	}

	snaps, err := s.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	want := []string{"keydex-20240103-000000.snap", "keydex-20240104-000000.snap"}
	if len(snaps) != 2 || snaps[0] != want[0] || snaps[1] != want[1] {
		t.Errorf("got %v, want %v", snaps, want)
	}
}

func TestSnapshots_IgnoresOtherFiles(t *testing.T) {
	ix := newTestIndex(t)
	dir := t.TempDir()
	for _, name := range []string{"keydex-20240101-000000.snap", "keydex-20240102-000000.snap.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	s := NewScheduler(ix, nil, config.BackupConfig{Dir: dir})
	snaps, err := s.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0] != "keydex-20240101-000000.snap" {
		t.Errorf("got %v, want only the completed snapshot", snaps)
	}
}

func TestSnapshots_MissingDir(t *testing.T) {
	ix := newTestIndex(t)
	s := NewScheduler(ix, nil, config.BackupConfig{Dir: filepath.Join(t.TempDir(), "never-created")})

	snaps, err := s.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("got %v, want none", snaps)
	}
}

func TestShouldRun_Schedule(t *testing.T) {
	ix := newTestIndex(t)
	now := time.Now()
	cron := fmt.Sprintf("%d %d * * *", now.Minute(), now.Hour())

	s := NewScheduler(ix, nil, config.BackupConfig{ScheduleCron: cron})
	if !s.shouldRun() {
		t.Error("expected first matching check to fire")
	}
	if s.shouldRun() {
		t.Error("expected second check in the same hour to be skipped")
	}
}

func TestShouldRun_BadCron(t *testing.T) {
	ix := newTestIndex(t)
	s := NewScheduler(ix, nil, config.BackupConfig{ScheduleCron: ""})
	if s.shouldRun() {
		t.Error("empty schedule should never fire")
	}
}

func TestTriggerBackup_WhileRunning(t *testing.T) {
	ix := newTestIndex(t)
	s := NewScheduler(ix, nil, config.BackupConfig{Dir: t.TempDir()})
	s.running.Store(true)

	if got := s.TriggerBackup(); got != "backup already running" {
		t.Errorf("TriggerBackup: got %q", got)
	}
	if !s.IsRunning() {
		t.Error("IsRunning: got false while running flag set")
	}
}
