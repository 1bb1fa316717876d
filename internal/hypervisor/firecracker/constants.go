package firecracker

import "time"

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent serves trigger events on.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Host defaults.
const (
	DefaultFirecrackerBin      = "firecracker"
	DefaultRunDir              = "/run/flare/fc"
	DefaultGuestConnectTimeout = 60 * time.Second

	// MaxConcurrentVMs is the default maximum number of live microVMs.
	MaxConcurrentVMs = 64
)

// Guest paths.
const (
	// GuestAgentPath is the path to the guest agent binary inside the
	// rootfs. The kernel runs it as init.
	GuestAgentPath = "/usr/local/bin/flare-guest"

	// ControlFIFO is the in-guest control channel workloads write
	// plaintext commands to.
	ControlFIFO = "/run/flare/control"
)

// Per-identity file names under Config.RunDir/<id>.
const (
	apiSocketName   = "firecracker.sock"
	vsockSocketName = "vsock.sock"
	rootfsName      = "rootfs.ext4"
)
