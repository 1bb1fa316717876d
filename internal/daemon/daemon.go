// Package daemon assembles the flared control plane: record and snapshot
// stores, the machine manager, the dispatcher, service routing and the
// HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/flare/internal/api"
	"github.com/seantiz/flare/internal/config"
	"github.com/seantiz/flare/internal/deploy"
	"github.com/seantiz/flare/internal/dispatch"
	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/image"
	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/proxy"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/store"
)

const ingressShutdownTimeout = 10 * time.Second

// Daemon is a wired control plane.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	snaps      *snapshot.Store
	images     *image.Store
	nats       *events.NATSPublisher
	machines   *machine.Manager
	dispatcher *dispatch.Dispatcher
	router     *proxy.Router
	api        *api.Server
	ingress    *http.Server
}

// New opens the stores under cfg.DataDir, recovers persisted machines and
// services, and wires them to hv.
func New(ctx context.Context, cfg config.Config, hv hypervisor.Hypervisor, logger *slog.Logger) (_ *Daemon, err error) {
	d := &Daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.Close(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d.store, err = store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.snaps, err = snapshot.Open(cfg.SnapshotDir(), snapshot.Options{
		Compress: cfg.SnapshotCompress,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	d.images, err = image.Open(cfg.ImageDir(), d.store, logger)
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}

	bus := events.NewBus()
	publishers := events.Fanout{bus}
	if cfg.NATSURL != "" {
		d.nats, err = events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, d.nats)
	}

	d.machines = machine.NewManager(d.store, hv, d.snaps, machine.Options{
		FlashLockWait: cfg.FlashLockWait,
		BootTimeout:   cfg.BootTimeout,
		ScratchDir:    filepath.Join(cfg.DataDir, "scratch"),
		MaxVCPUs:      cfg.MaxVCPUs,
		MaxMemoryMiB:  cfg.MaxMemoryMiB,
		ResolveImage:  d.images.Resolve,
		Logger:        logger,
		Events:        publishers,
	})
	if err := d.machines.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover machines: %w", err)
	}

	d.dispatcher = dispatch.New(d.machines, dispatch.Options{
		IdleTimeout:       cfg.IdleTimeout,
		TrafficInactivity: cfg.TrafficInactivity,
		Retries:           cfg.ActivationRetries,
		Logger:            logger,
	})

	d.router = proxy.NewRouter(proxy.New(d.dispatcher, cfg.ActivationTimeout, logger), d.store, d.machines, proxy.RouterOptions{
		BindAddr: cfg.ServiceBindAddr,
		PortMin:  cfg.ServicePortMin,
		PortMax:  cfg.ServicePortMax,
		Logger:   logger,
	})
	if err := d.router.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore services: %w", err)
	}

	registry := hypervisor.NewRegistry()
	registry.Register(hv.Capabilities().Name, hv)

	d.api = api.NewServer(cfg.ListenAddr, api.Deps{
		Store:             d.store,
		Machines:          d.machines,
		Dispatcher:        d.dispatcher,
		Services:          d.router,
		Images:            d.images,
		Applier:           deploy.NewApplier(d.machines, d.router, logger),
		Registry:          registry,
		Events:            bus,
		ActivationTimeout: cfg.ActivationTimeout,
	}, logger)

	if cfg.IngressAddr != "" {
		d.ingress = &http.Server{
			Addr:              cfg.IngressAddr,
			Handler:           d.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return d, nil
}

// Handler returns the API handler.
func (d *Daemon) Handler() http.Handler {
	return d.api.Router()
}

// Run serves the API, and the HTTP ingress when configured, until a shutdown
// signal arrives or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ingressErr := make(chan error, 1)
	if d.ingress != nil {
		go func() {
			d.logger.Info("ingress listening", "addr", d.ingress.Addr)
			if err := d.ingress.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ingressErr <- fmt.Errorf("ingress: %w", err)
			}
			close(ingressErr)
		}()
	}

	err := d.api.Run(ctx)

	if d.ingress != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ingressShutdownTimeout)
		defer cancel()
		if serr := d.ingress.Shutdown(shutdownCtx); serr != nil {
			d.logger.Warn("ingress shutdown", "error", serr)
		}
		err = errors.Join(err, <-ingressErr)
	}
	return err
}

// Close stops service listeners and every instance, then closes the stores.
func (d *Daemon) Close(ctx context.Context) {
	if d.router != nil {
		d.router.Close()
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.machines != nil {
		d.machines.Shutdown(ctx)
	}
	if d.nats != nil {
		d.nats.Close()
	}
	if d.snaps != nil {
		if err := d.snaps.Close(); err != nil {
			d.logger.Warn("close snapshot store", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close database", "error", err)
		}
	}
}
