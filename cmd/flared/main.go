// Command flared runs the flare control plane: it deploys machines as
// Firecracker microVMs, snapshots them once their workload is ready, and
// restores them on demand when traffic arrives.
package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/flare/internal/config"
	"github.com/seantiz/flare/internal/daemon"
	"github.com/seantiz/flare/internal/hypervisor/firecracker"
	"github.com/seantiz/flare/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("flared: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir,
		"hypervisor", cfg.Hypervisor,
	)

	if cfg.Hypervisor != firecracker.Name {
		log.Fatalf("unsupported hypervisor %q", cfg.Hypervisor)
	}

	shutdownTracing, err := telemetry.Setup(cfg.TraceExporter, os.Stderr)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	fcCfg := firecracker.LoadConfig()
	hv, err := firecracker.New(fcCfg, logger)
	if err != nil {
		log.Fatalf("failed to create firecracker hypervisor: %v", err)
	}
	if err := hv.Verify(); err != nil {
		log.Fatalf("firecracker host check failed: %v", err)
	}
	if err := firecracker.EnsureIPForwarding(); err != nil {
		logger.Warn("could not enable IP forwarding", "error", err)
	}

	ctx := context.Background()
	d, err := daemon.New(ctx, cfg, hv, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	runErr := d.Run(ctx)

	d.Close(ctx)
	hv.Shutdown(ctx)
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("flush traces", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
