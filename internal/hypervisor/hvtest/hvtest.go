// Package hvtest provides an in-memory hypervisor for tests. VMs are plain
// structs whose trigger events are injected by the test, and snapshots are
// small files carrying the VM identity.
package hvtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/trigger"
)

// Name is the registry name of the fake backend.
const Name = "fake"

// Hypervisor is a fake hypervisor.Hypervisor.
type Hypervisor struct {
	// BootDelay and RestoreDelay simulate VM start latency. Both honour
	// context cancellation.
	BootDelay    time.Duration
	RestoreDelay time.Duration

	// OnBoot and OnRestore are emitted on every new VM's event channel.
	OnBoot    []trigger.Event
	OnRestore []trigger.Event

	// MaxLive caps concurrently running VMs; Boot and Restore beyond it
	// return hypervisor.ErrCapacity. Zero means unlimited.
	MaxLive int

	mu        sync.Mutex
	vms       map[string]*VM
	released  map[string]int
	bootErrs  []error
	restErrs  []error
	snapErrs  []error
	started   chan string
	liveCount int
	peakLive  int
	boots     atomic.Int64
	restores  atomic.Int64
	snapshots atomic.Int64
	shutdowns atomic.Int64
}

var _ hypervisor.Hypervisor = (*Hypervisor)(nil)

// New returns a fake hypervisor with no delays.
func New() *Hypervisor {
	return &Hypervisor{
		vms:      make(map[string]*VM),
		released: make(map[string]int),
		started:  make(chan string, 1024),
	}
}

// FailBoots makes the next len(errs) boots fail with the given errors in order.
func (h *Hypervisor) FailBoots(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bootErrs = append(h.bootErrs, errs...)
}

// FailRestores makes the next len(errs) restores fail.
func (h *Hypervisor) FailRestores(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restErrs = append(h.restErrs, errs...)
}

// FailSnapshots makes the next len(errs) snapshots fail.
func (h *Hypervisor) FailSnapshots(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapErrs = append(h.snapErrs, errs...)
}

// Boot starts a fake VM.
func (h *Hypervisor) Boot(ctx context.Context, spec hypervisor.BootSpec) (hypervisor.VM, error) {
	h.boots.Add(1)
	if err := h.startup(ctx, h.BootDelay, &h.bootErrs); err != nil {
		return nil, err
	}
	return h.launch(spec.ID, spec.Console, "booted", h.OnBoot), nil
}

// Restore starts a fake VM from snapshot files written by VM.Snapshot.
func (h *Hypervisor) Restore(ctx context.Context, spec hypervisor.RestoreSpec) (hypervisor.VM, error) {
	h.restores.Add(1)
	if err := h.startup(ctx, h.RestoreDelay, &h.restErrs); err != nil {
		return nil, err
	}
	state, err := os.ReadFile(spec.StatePath)
	if err != nil {
		h.exit()
		return nil, fmt.Errorf("read vm state: %w", err)
	}
	if want := "state:" + spec.ID; string(state) != want {
		h.exit()
		return nil, fmt.Errorf("vm state belongs to %q, not %q", state, spec.ID)
	}
	if _, err := os.Stat(spec.MemoryPath); err != nil {
		h.exit()
		return nil, fmt.Errorf("stat memory file: %w", err)
	}
	return h.launch(spec.ID, spec.Console, "restored", h.OnRestore), nil
}

func (h *Hypervisor) startup(ctx context.Context, delay time.Duration, errs *[]error) error {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(*errs) > 0 {
		err := (*errs)[0]
		*errs = (*errs)[1:]
		if err != nil {
			return err
		}
	}
	if h.MaxLive > 0 && h.liveCount >= h.MaxLive {
		return hypervisor.ErrCapacity
	}
	h.liveCount++
	h.peakLive = max(h.peakLive, h.liveCount)
	return nil
}

func (h *Hypervisor) exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveCount--
}

func (h *Hypervisor) launch(id string, console io.Writer, how string, initial []trigger.Event) *VM {
	vm := &VM{
		h:      h,
		id:     id,
		ip:     "10.200.0.2",
		events: make(chan trigger.Event, 64),
	}
	for _, e := range initial {
		vm.events <- e
	}
	if console != nil {
		fmt.Fprintf(console, "%s %s\n", id, how)
	}

	h.mu.Lock()
	h.vms[id] = vm
	h.mu.Unlock()
	select {
	case h.started <- id:
	default:
	}
	return vm
}

// Release records the release of identity id.
func (h *Hypervisor) Release(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released[id]++
	return nil
}

// Capabilities reports the fake backend's capabilities.
func (h *Hypervisor) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{Name: Name, Snapshots: true, MaxConcurrency: h.MaxLive}
}

// VM returns the most recent VM started for id, or nil.
func (h *Hypervisor) VM(id string) *VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vms[id]
}

// WaitStarted blocks until a VM with the given id starts or ctx ends.
func (h *Hypervisor) WaitStarted(ctx context.Context, id string) (*VM, error) {
	for {
		if vm := h.VM(id); vm != nil && !vm.Closed() {
			return vm, nil
		}
		select {
		case <-h.started:
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for vm %s: %w", id, ctx.Err())
		}
	}
}

// Boots returns the number of Boot calls.
func (h *Hypervisor) Boots() int { return int(h.boots.Load()) }

// Restores returns the number of Restore calls.
func (h *Hypervisor) Restores() int { return int(h.restores.Load()) }

// Snapshots returns the number of successful snapshots.
func (h *Hypervisor) Snapshots() int { return int(h.snapshots.Load()) }

// Shutdowns returns the number of VM shutdowns.
func (h *Hypervisor) Shutdowns() int { return int(h.shutdowns.Load()) }

// Live returns the number of running VMs.
func (h *Hypervisor) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveCount
}

// PeakLive returns the highest number of simultaneously running VMs.
func (h *Hypervisor) PeakLive() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peakLive
}

// Released returns how many times id was released.
func (h *Hypervisor) Released(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released[id]
}

// VM is a fake running VM.
type VM struct {
	h      *Hypervisor
	id     string
	ip     string
	events chan trigger.Event

	mu     sync.Mutex
	paused bool
	closed bool
}

var _ hypervisor.VM = (*VM)(nil)

func (v *VM) ID() string { return v.id }

func (v *VM) IP() string { return v.ip }

func (v *VM) Events() <-chan trigger.Event { return v.events }

// Emit delivers a guest event. It reports false if the VM is shut down.
func (v *VM) Emit(e trigger.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.events <- e
	return true
}

// Paused reports whether the VM is paused.
func (v *VM) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// Closed reports whether the VM is shut down.
func (v *VM) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *VM) Pause(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vm %s is shut down", v.id)
	}
	v.paused = true
	return nil
}

func (v *VM) Resume(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vm %s is shut down", v.id)
	}
	v.paused = false
	return nil
}

// Snapshot writes the VM identity into the state file and a small memory
// image.
func (v *VM) Snapshot(ctx context.Context, files hypervisor.SnapshotFiles) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	paused, closed := v.paused, v.closed
	v.mu.Unlock()
	if closed || !paused {
		return fmt.Errorf("vm %s must be paused to snapshot", v.id)
	}

	v.h.mu.Lock()
	var injected error
	if len(v.h.snapErrs) > 0 {
		injected = v.h.snapErrs[0]
		v.h.snapErrs = v.h.snapErrs[1:]
	}
	v.h.mu.Unlock()
	if injected != nil {
		return injected
	}

	if err := os.WriteFile(files.StatePath, []byte("state:"+v.id), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(files.MemoryPath, []byte("memory:"+v.id), 0o644); err != nil {
		return err
	}
	v.h.snapshots.Add(1)
	return nil
}

func (v *VM) Shutdown(_ context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	close(v.events)
	v.mu.Unlock()

	v.h.shutdowns.Add(1)
	v.h.exit()
	return nil
}
