package firecracker

import (
	"net/netip"
	"os"
	"strconv"
	"time"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "FLARE_FC_KERNEL_PATH"
	envBin           = "FLARE_FC_BIN"
	envRunDir        = "FLARE_FC_RUN_DIR"
	envCNIConfigDir  = "FLARE_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "FLARE_FC_CNI_BIN_DIR"
	envVsockPort     = "FLARE_FC_VSOCK_PORT"
	envMaxConcurrent = "FLARE_FC_MAX_CONCURRENT_VMS"
	envGuestConnect  = "FLARE_FC_GUEST_CONNECT_TIMEOUT"
	envBridge        = "FLARE_FC_BRIDGE"
	envSubnet        = "FLARE_FC_SUBNET"
)

// Config holds configuration for the Firecracker hypervisor.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// RunDir holds one directory per instance identity: API socket, vsock
	// socket and the private rootfs copy. Paths under it are embedded in
	// snapshots, so they must stay stable across restores.
	RunDir string

	// CNIConfigDir is the path to CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string

	// Bridge is the host bridge every guest TAP is attached to.
	Bridge string

	// Subnet is the guest address pool; its first host address is the gateway.
	Subnet netip.Prefix

	// VsockPort is the vsock port the guest agent serves trigger events on.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	// MaxConcurrentVMs is the maximum number of live microVMs.
	MaxConcurrentVMs int

	// GuestConnectTimeout bounds how long the event pump keeps dialing a
	// guest agent that has not come up.
	GuestConnectTimeout time.Duration
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:      DefaultFirecrackerBin,
		RunDir:              DefaultRunDir,
		VsockPort:           DefaultVsockPort,
		CIDBase:             MinCID,
		MaxConcurrentVMs:    MaxConcurrentVMs,
		GuestConnectTimeout: DefaultGuestConnectTimeout,
		Bridge:              DefaultBridgeName,
		Subnet:              netip.MustParsePrefix(DefaultSubnet),
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envRunDir); v != "" {
		cfg.RunDir = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envBridge); v != "" {
		cfg.Bridge = v
	}
	if v := os.Getenv(envSubnet); v != "" {
		if p, err := netip.ParsePrefix(v); err == nil && p.Addr().Is4() && p.Bits() <= 30 {
			cfg.Subnet = p.Masked()
		}
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}
	if v := os.Getenv(envGuestConnect); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.GuestConnectTimeout = d
		}
	}

	return cfg
}
