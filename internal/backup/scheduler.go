// Package backup writes scheduled snapshots of the index database to a
// local directory. A snapshot file uses the same stream format as Raft
// snapshots, so one file restores a lost index with RestoreSnapshot.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/metrics"
)

const snapshotSuffix = ".snap"

type Scheduler struct {
	ix          *index.Index
	mx          *metrics.Metrics
	cfg         config.BackupConfig
	lastRunHour int
	running     atomic.Bool
}

func NewScheduler(ix *index.Index, mx *metrics.Metrics, cfg config.BackupConfig) *Scheduler {
	return &Scheduler{
		ix:          ix,
		mx:          mx,
		cfg:         cfg,
		lastRunHour: -1,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shouldRun() {
				s.runBackup()
			}
		}
	}
}

// shouldRun checks if the backup should run based on cron schedule.
// Simplified cron: only supports "M H * * *" format.
func (s *Scheduler) shouldRun() bool {
	if s.running.Load() {
		return false
	}

	now := time.Now()
	parts := strings.Fields(s.cfg.ScheduleCron)
	if len(parts) < 2 {
		return false
	}

	minute, _ := strconv.Atoi(parts[0])
	hour, _ := strconv.Atoi(parts[1])

	if now.Hour() == hour && now.Minute() == minute && s.lastRunHour != now.Hour() {
		s.lastRunHour = now.Hour()
		return true
	}
	return false
}

func (s *Scheduler) runBackup() {
	s.running.Store(true)
	defer s.running.Store(false)

	if err := s.writeSnapshot(); err != nil {
		slog.Error("backup failed", "error", err)
		s.mx.RecordBackup("error")
		return
	}
	s.mx.RecordBackup("ok")

	if err := s.prune(); err != nil {
		slog.Error("backup error pruning old snapshots", "error", err)
	}
}

// writeSnapshot streams the index into a timestamped file. The stream
// goes to a temp name first so a crash mid-write never leaves a file
// that looks like a usable snapshot.
func (s *Scheduler) writeSnapshot() error {
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	name := "keydex-" + time.Now().UTC().Format("20060102-150405") + snapshotSuffix
	path := filepath.Join(s.cfg.Dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.ix.WriteSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	slog.Info("backup completed", "file", path, "bytes", size)
	return nil
}

// prune removes the oldest snapshots beyond the retention count. The
// timestamped names sort chronologically.
func (s *Scheduler) prune() error {
	if s.cfg.Keep <= 0 {
		return nil
	}
	snaps, err := s.Snapshots()
	if err != nil {
		return err
	}
	for len(snaps) > s.cfg.Keep {
		old := snaps[0]
		snaps = snaps[1:]
		if err := os.Remove(filepath.Join(s.cfg.Dir, old)); err != nil {
			return err
		}
		slog.Info("backup pruned old snapshot", "file", old)
	}
	return nil
}

// Snapshots lists completed snapshot files, oldest first.
func (s *Scheduler) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, "keydex-") && strings.HasSuffix(name, snapshotSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// TriggerBackup triggers an immediate backup.
func (s *Scheduler) TriggerBackup() string {
	if s.running.Load() {
		return "backup already running"
	}
	go s.runBackup()
	return "backup started"
}

// IsRunning returns whether a backup is currently in progress.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
