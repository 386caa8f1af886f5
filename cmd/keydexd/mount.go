//go:build !windows

package main

import (
	"log/slog"
	"os"

	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/fuse"
	"github.com/keydex/keydex/internal/server"
)

// startFuse exposes the running server's index as a read-only filesystem
// when fuse.enabled is set. The returned func unmounts; nil when disabled
// or the mount failed.
func startFuse(cfg *config.Config, srv *server.Server) func() {
	if !cfg.Fuse.Enabled {
		return nil
	}

	if err := os.MkdirAll(cfg.Fuse.MountPoint, 0755); err != nil {
		slog.Error("failed to create mountpoint", "path", cfg.Fuse.MountPoint, "error", err)
		return nil
	}

	fsSrv, err := fuse.Mount(cfg.Fuse.MountPoint, fuse.Config{Bucket: cfg.Fuse.Bucket}, srv.Index())
	if err != nil {
		slog.Error("fuse mount failed", "mountpoint", cfg.Fuse.MountPoint, "error", err)
		return nil
	}
	slog.Info("fuse mounted", "mountpoint", cfg.Fuse.MountPoint, "bucket", cfg.Fuse.Bucket)

	return func() {
		if err := fsSrv.Unmount(); err != nil {
			slog.Warn("fuse unmount failed", "error", err)
		}
	}
}
