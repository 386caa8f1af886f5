//go:build !windows

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	kfuse "github.com/keydex/keydex/internal/fuse"
	"github.com/keydex/keydex/internal/index"
)

func runMount(args []string) {
	if len(args) < 1 {
		fmt.Println(`Usage: keydexctl mount <mountpoint> [--db=<path>] [--bucket=<name>]

Browse an index database as a read-only filesystem. Opens the database
file directly, so the daemon must not be running against it (a live
daemon can serve its own mount via fuse.enabled instead).

Examples:
  keydexctl mount ./mnt --db=data/keydex.db
  keydexctl mount /mnt/keydex --db=data/keydex.db --bucket=photos`)
		os.Exit(1)
	}

	mountpoint := args[0]
	dbPath := "data/keydex.db"
	bucket := ""

	for _, arg := range args[1:] {
		switch {
		case strings.HasPrefix(arg, "--db="):
			dbPath = strings.TrimPrefix(arg, "--db=")
		case strings.HasPrefix(arg, "--bucket="):
			bucket = strings.TrimPrefix(arg, "--bucket=")
		default:
			fatal("unknown flag: " + arg)
		}
	}

	// Create mountpoint if it doesn't exist
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		fatal(fmt.Sprintf("create mountpoint: %v", err))
	}

	ix, err := index.Open(dbPath, index.Options{ReadOnly: true})
	if err != nil {
		fatal(fmt.Sprintf("open index: %v", err))
	}
	defer ix.Close()

	fmt.Printf("Mounting %s at %s\n", dbPath, mountpoint)
	fmt.Println("Press Ctrl+C to unmount")

	server, err := kfuse.Mount(mountpoint, kfuse.Config{Bucket: bucket}, ix)
	if err != nil {
		fatal(fmt.Sprintf("mount failed: %v", err))
	}

	// Handle Ctrl+C for clean unmount
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nUnmounting...")
		server.Unmount()
	}()

	server.Wait()
	fmt.Println("Unmounted")
}

func runUmount(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: keydexctl umount <mountpoint>")
		os.Exit(1)
	}
	// On macOS/Linux, use fusermount or umount
	fmt.Printf("To unmount, run: fusermount -u %s\n", args[0])
}
