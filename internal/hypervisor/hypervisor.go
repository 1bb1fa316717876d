package hypervisor

import (
	"context"
	"errors"
	"io"

	"github.com/seantiz/flare/internal/trigger"
)

// ErrCapacity is returned by Boot and Restore when the host lacks the
// resources to start another VM. Callers treat it as retryable.
var ErrCapacity = errors.New("hypervisor capacity exhausted")

// BootSpec describes a fresh VM boot.
type BootSpec struct {
	ID         string
	Image      string
	RootfsPath string
	VCPUs      int
	MemoryMiB  int
	Env        map[string]string
	Command    []string

	// Console receives the guest's serial output. May be nil.
	Console io.Writer
}

// RestoreSpec describes a VM resumed from snapshot files. ID must match the
// identity the snapshot was taken from, since the snapshot embeds its
// network and vsock devices.
type RestoreSpec struct {
	ID         string
	VCPUs      int
	MemoryMiB  int
	StatePath  string
	MemoryPath string
	Console    io.Writer
}

// SnapshotFiles names where a snapshot's VM state and memory are written.
type SnapshotFiles struct {
	StatePath  string
	MemoryPath string
}

// VM is a running microVM.
type VM interface {
	ID() string

	// IP returns the guest address services forward to.
	IP() string

	// Events delivers guest trigger events. The channel is closed when the
	// VM exits or is shut down.
	Events() <-chan trigger.Event

	// Pause freezes the guest vCPUs.
	Pause(ctx context.Context) error

	// Resume continues a paused guest.
	Resume(ctx context.Context) error

	// Snapshot writes a full snapshot of a paused VM.
	Snapshot(ctx context.Context, files SnapshotFiles) error

	// Shutdown stops the VM process. Per-identity host resources survive so
	// a later Restore finds the devices the snapshot refers to.
	Shutdown(ctx context.Context) error
}

// Hypervisor is the interface every microVM backend implements.
type Hypervisor interface {
	Boot(ctx context.Context, spec BootSpec) (VM, error)
	Restore(ctx context.Context, spec RestoreSpec) (VM, error)

	// Release frees every host resource held for identity id (network,
	// vsock context ID, scratch files). Releasing an unknown id is a no-op.
	Release(ctx context.Context, id string) error

	Capabilities() Capabilities
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string `json:"name"`
	Snapshots      bool   `json:"snapshots"`
	MaxConcurrency int    `json:"max_concurrency"`
}
