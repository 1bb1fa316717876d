package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "flare.db"
	defaultDataDir           = "/var/lib/flare"
	defaultHypervisor        = "firecracker"
	defaultIdleTimeout       = 10 * time.Second
	defaultTrafficInactivity = 5 * time.Second
	defaultFlashLockWait     = 30 * time.Second
	defaultActivationTimeout = 30 * time.Second
	defaultBootTimeout       = 2 * time.Minute
	defaultActivationRetries = 3
	defaultMaxVCPUs          = 64
	defaultMaxMemoryMiB      = 64 * 1024
	defaultServicePorts      = "20000-29999"
	defaultServiceBindAddr   = "0.0.0.0"

	envListenAddr        = "FLARE_LISTEN_ADDR"
	envDBPath            = "FLARE_DB_PATH"
	envLogLevel          = "FLARE_LOG_LEVEL"
	envDataDir           = "FLARE_DATA_DIR"
	envHypervisor        = "FLARE_HYPERVISOR"
	envNATSURL           = "FLARE_NATS_URL"
	envTraceExporter     = "FLARE_TRACE_EXPORTER"
	envIdleTimeout       = "FLARE_IDLE_TIMEOUT"
	envTrafficInactivity = "FLARE_TRAFFIC_INACTIVITY"
	envFlashLockWait     = "FLARE_FLASH_LOCK_WAIT"
	envActivationTimeout = "FLARE_ACTIVATION_TIMEOUT"
	envBootTimeout       = "FLARE_BOOT_TIMEOUT"
	envActivationRetries = "FLARE_ACTIVATION_RETRIES"
	envMaxVCPUs          = "FLARE_MAX_VCPUS"
	envMaxMemoryMiB      = "FLARE_MAX_MEMORY_MIB"
	envSnapshotCompress  = "FLARE_SNAPSHOT_COMPRESS"
	envServicePorts      = "FLARE_SERVICE_PORTS"
	envServiceBindAddr   = "FLARE_SERVICE_BIND_ADDR"
	envIngressAddr       = "FLARE_INGRESS_ADDR"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DataDir holds the snapshot store and uploaded images.
	DataDir    string
	Hypervisor string

	// NATSURL enables lifecycle event publication when set.
	NATSURL string

	// TraceExporter selects the span exporter ("stdout" or empty for none).
	TraceExporter string

	IdleTimeout       time.Duration
	TrafficInactivity time.Duration
	FlashLockWait     time.Duration
	ActivationTimeout time.Duration
	BootTimeout       time.Duration
	ActivationRetries int

	MaxVCPUs     int
	MaxMemoryMiB int

	SnapshotCompress bool

	ServicePortMin  int
	ServicePortMax  int
	ServiceBindAddr string

	// IngressAddr is the listen address of the HTTP ingress; empty disables it.
	IngressAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		DataDir:           defaultDataDir,
		Hypervisor:        defaultHypervisor,
		IdleTimeout:       defaultIdleTimeout,
		TrafficInactivity: defaultTrafficInactivity,
		FlashLockWait:     defaultFlashLockWait,
		ActivationTimeout: defaultActivationTimeout,
		BootTimeout:       defaultBootTimeout,
		ActivationRetries: defaultActivationRetries,
		MaxVCPUs:          defaultMaxVCPUs,
		MaxMemoryMiB:      defaultMaxMemoryMiB,
		ServiceBindAddr:   defaultServiceBindAddr,
	}
	cfg.ServicePortMin, cfg.ServicePortMax, _ = parsePortRange(defaultServicePorts)

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envHypervisor); v != "" {
		cfg.Hypervisor = v
	}
	cfg.NATSURL = os.Getenv(envNATSURL)
	cfg.TraceExporter = os.Getenv(envTraceExporter)
	cfg.IngressAddr = os.Getenv(envIngressAddr)

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envIdleTimeout, &cfg.IdleTimeout},
		{envTrafficInactivity, &cfg.TrafficInactivity},
		{envFlashLockWait, &cfg.FlashLockWait},
		{envActivationTimeout, &cfg.ActivationTimeout},
		{envBootTimeout, &cfg.BootTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
				*d.dst = parsed
			}
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envActivationRetries, &cfg.ActivationRetries},
		{envMaxVCPUs, &cfg.MaxVCPUs},
		{envMaxMemoryMiB, &cfg.MaxMemoryMiB},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*i.dst = n
			}
		}
	}

	if v := os.Getenv(envSnapshotCompress); v != "" {
		cfg.SnapshotCompress = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envServicePorts); v != "" {
		if lo, hi, err := parsePortRange(v); err == nil {
			cfg.ServicePortMin, cfg.ServicePortMax = lo, hi
		}
	}
	if v := os.Getenv(envServiceBindAddr); v != "" {
		cfg.ServiceBindAddr = v
	}

	return cfg
}

// SnapshotDir is where committed snapshots and their index live.
func (c Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// ImageDir is where uploaded root filesystem images live.
func (c Config) ImageDir() string {
	return filepath.Join(c.DataDir, "images")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parsePortRange parses "lo-hi".
func parsePortRange(s string) (int, int, error) {
	loStr, hiStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("port range %q: want lo-hi", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(hiStr))
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, 0, fmt.Errorf("port range %q out of bounds", s)
	}
	return lo, hi, nil
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
