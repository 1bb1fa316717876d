// testserver starts a flare control plane backed by an in-memory hypervisor
// for E2E testing. Fake VMs report a listener on port 80 right after boot.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/flare/internal/config"
	"github.com/seantiz/flare/internal/daemon"
	"github.com/seantiz/flare/internal/hypervisor/hvtest"
	"github.com/seantiz/flare/internal/trigger"
)

func main() {
	cfg := config.Load()
	if os.Getenv("FLARE_DATA_DIR") == "" {
		dir, err := os.MkdirTemp("", "flare-testserver-")
		if err != nil {
			log.Fatalf("create data dir: %v", err)
		}
		defer os.RemoveAll(dir)
		cfg.DataDir = dir
		cfg.DBPath = filepath.Join(dir, "flare.db")
	}

	hv := hvtest.New()
	hv.BootDelay = 200 * time.Millisecond
	hv.RestoreDelay = 20 * time.Millisecond
	hv.OnBoot = []trigger.Event{
		{Type: trigger.TypeUserspaceReady},
		trigger.ListenEvent(netip.AddrPortFrom(netip.IPv4Unspecified(), 80)),
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx := context.Background()
	d, err := daemon.New(ctx, cfg, hv, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer d.Close(ctx)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)
	if err := d.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
