//go:build windows

package main

import (
	"log/slog"

	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/server"
)

func startFuse(cfg *config.Config, srv *server.Server) func() {
	if cfg.Fuse.Enabled {
		slog.Warn("fuse mount is not supported on Windows; ignoring fuse config")
	}
	return nil
}
