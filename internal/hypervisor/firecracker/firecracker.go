package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/trigger"
)

const (
	// Name is the name used when registering with the hypervisor registry.
	Name = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second

	eventBuffer = 64
)

// guestNameservers are handed to the guest through the ip= boot argument.
var guestNameservers = []string{"1.1.1.1", "8.8.8.8"}

// identity holds the host resources bound to one instance identity. They
// outlive individual VMs so snapshots taken from one VM restore into the
// next.
type identity struct {
	id  string
	dir string
	cid uint32
	net *NetworkConfig
}

func (i *identity) apiSocket() string   { return filepath.Join(i.dir, apiSocketName) }
func (i *identity) vsockSocket() string { return filepath.Join(i.dir, vsockSocketName) }
func (i *identity) rootfs() string      { return filepath.Join(i.dir, rootfsName) }

// Hypervisor implements hypervisor.Hypervisor using Firecracker microVMs.
type Hypervisor struct {
	cfg      Config
	netMgr   *NetworkManager
	logger   *slog.Logger
	fcLogger *logrus.Entry

	mu         sync.Mutex
	identities map[string]*identity
	live       map[string]*VM

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var _ hypervisor.Hypervisor = (*Hypervisor)(nil)

// New creates a Firecracker hypervisor.
func New(cfg Config, logger *slog.Logger) (*Hypervisor, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	// The SDK logs through logrus; we log through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	return &Hypervisor{
		cfg:        cfg,
		netMgr:     netMgr,
		logger:     logger,
		fcLogger:   logrus.NewEntry(fcLogger),
		identities: make(map[string]*identity),
		live:       make(map[string]*VM),
		cidNext:    cfg.CIDBase,
		cidInUse:   make(map[uint32]bool),
	}, nil
}

// Verify checks that the kernel image and CNI plugins are available, and
// publishes the guest network list when a CNI config directory is set.
func (h *Hypervisor) Verify() error {
	if h.cfg.KernelPath == "" {
		return fmt.Errorf("%s is not set", envKernelPath)
	}
	if _, err := os.Stat(h.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	if _, err := exec.LookPath(h.cfg.FirecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary: %w", err)
	}
	if err := h.netMgr.Verify(); err != nil {
		return err
	}
	if h.cfg.CNIConfigDir != "" {
		return h.netMgr.WriteConfList()
	}
	return nil
}

// Capabilities reports what this hypervisor supports.
func (h *Hypervisor) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{
		Name:           Name,
		Snapshots:      true,
		MaxConcurrency: h.cfg.MaxConcurrentVMs,
	}
}

// Boot starts a fresh microVM from a private copy of spec.RootfsPath.
func (h *Hypervisor) Boot(ctx context.Context, spec hypervisor.BootSpec) (hypervisor.VM, error) {
	ident, err := h.acquire(ctx, spec.ID)
	if err != nil {
		return nil, err
	}

	if err := copyRootfs(spec.RootfsPath, ident.rootfs()); err != nil {
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	initArg, err := InitArgs{Command: spec.Command, Env: spec.Env}.KernelArg()
	if err != nil {
		return nil, err
	}

	fcCfg, err := h.machineConfig(ident, spec.VCPUs, spec.MemoryMiB)
	if err != nil {
		return nil, err
	}
	fcCfg.KernelArgs = DefaultBootArgs + " " + initArg

	vm, err := h.launch(ctx, ident, fcCfg, spec.Console, opBoot)
	if err != nil {
		return nil, err
	}
	h.logger.Info("VM booted",
		"vm", spec.ID,
		"image", spec.Image,
		"cid", ident.cid,
		"ip", vm.ip,
		"vcpus", spec.VCPUs,
		"mem_mib", spec.MemoryMiB,
	)
	return vm, nil
}

// Restore starts a microVM from snapshot files and resumes it.
func (h *Hypervisor) Restore(ctx context.Context, spec hypervisor.RestoreSpec) (hypervisor.VM, error) {
	ident, err := h.acquire(ctx, spec.ID)
	if err != nil {
		return nil, err
	}

	fcCfg, err := h.machineConfig(ident, spec.VCPUs, spec.MemoryMiB)
	if err != nil {
		return nil, err
	}

	// The snapshot recreates the vsock device at the path it was taken with.
	if err := os.Remove(ident.vsockSocket()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale vsock socket: %w", err)
	}

	withSnapshot := fcsdk.WithSnapshot(spec.MemoryPath, spec.StatePath, func(sc *fcsdk.SnapshotConfig) {
		sc.ResumeVM = true
	})
	vm, err := h.launch(ctx, ident, fcCfg, spec.Console, opRestore, withSnapshot)
	if err != nil {
		return nil, err
	}
	h.logger.Info("VM restored", "vm", spec.ID, "cid", ident.cid, "ip", vm.ip)
	return vm, nil
}

// Release stops any live VM for id and frees its network, context ID and
// scratch directory.
func (h *Hypervisor) Release(ctx context.Context, id string) error {
	h.mu.Lock()
	vm := h.live[id]
	ident, ok := h.identities[id]
	delete(h.identities, id)
	h.mu.Unlock()

	if vm != nil {
		if err := vm.Shutdown(ctx); err != nil {
			h.logger.Warn("shutdown on release failed", "vm", id, "error", err)
		}
	}
	if !ok {
		return nil
	}

	h.releaseCID(ident.cid)

	// Use a fresh context; the caller's may already be cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	h.teardownNetwork(cleanupCtx, id)

	if err := os.RemoveAll(ident.dir); err != nil {
		return fmt.Errorf("remove %s: %w", ident.dir, err)
	}
	h.logger.Debug("identity released", "vm", id)
	return nil
}

// Shutdown stops every live VM and releases all identities.
func (h *Hypervisor) Shutdown(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.identities))
	for id := range h.identities {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.Release(ctx, id); err != nil {
			h.logger.Error("shutdown release failed", "vm", id, "error", err)
		}
	}

	h.netMgr.TeardownAll(ctx)
}

// acquire returns the identity for id, creating its directory, context ID
// and network on first use.
func (h *Hypervisor) acquire(ctx context.Context, id string) (*identity, error) {
	h.mu.Lock()
	if ident, ok := h.identities[id]; ok {
		h.mu.Unlock()
		return ident, nil
	}
	h.mu.Unlock()

	cid, err := h.allocateCID()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(h.cfg.RunDir, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		h.releaseCID(cid)
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	netCfg, err := h.netMgr.Setup(ctx, id)
	if err != nil {
		h.releaseCID(cid)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("network setup: %w", err)
	}

	ident := &identity{id: id, dir: dir, cid: cid, net: netCfg}
	h.mu.Lock()
	h.identities[id] = ident
	h.mu.Unlock()
	return ident, nil
}

func (h *Hypervisor) machineConfig(ident *identity, vcpus, memMiB int) (fcsdk.Config, error) {
	ip, ipNet, err := net.ParseCIDR(ident.net.GuestIP)
	if err != nil {
		return fcsdk.Config{}, fmt.Errorf("parse guest IP %q: %w", ident.net.GuestIP, err)
	}

	return fcsdk.Config{
		SocketPath:      ident.apiSocket(),
		KernelImagePath: h.cfg.KernelPath,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(ident.rootfs()),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  ident.net.MACAddress,
					HostDevName: ident.net.TAPDevice,
					IPConfiguration: &fcsdk.IPConfiguration{
						IPAddr:      net.IPNet{IP: ip, Mask: ipNet.Mask},
						Gateway:     net.ParseIP(ident.net.GatewayIP),
						Nameservers: guestNameservers,
						IfName:      "eth0",
					},
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: ident.vsockSocket(),
				CID:  ident.cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(vcpus)),
			MemSizeMib: fcsdk.Int64(int64(memMiB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: ident.net.NamespacePath,
		VMID:  ident.id,
	}, nil
}

// launch starts the VMM for ident. The VMM outlives ctx; ctx only bounds
// startup.
func (h *Hypervisor) launch(ctx context.Context, ident *identity, fcCfg fcsdk.Config, console io.Writer, op string, opts ...fcsdk.Opt) (*VM, error) {
	start := time.Now()

	h.mu.Lock()
	if _, running := h.live[ident.id]; running {
		h.mu.Unlock()
		return nil, fmt.Errorf("VM %s is already running", ident.id)
	}
	if len(h.live) >= h.cfg.MaxConcurrentVMs {
		h.mu.Unlock()
		return nil, fmt.Errorf("%d VMs running: %w", h.cfg.MaxConcurrentVMs, hypervisor.ErrCapacity)
	}
	// Reserve the slot while the VMM starts.
	h.live[ident.id] = nil
	h.mu.Unlock()

	vm, err := h.startMachine(ctx, ident, fcCfg, console, op == opRestore, opts...)
	recordOp(op, err)
	if err != nil {
		h.mu.Lock()
		delete(h.live, ident.id)
		h.mu.Unlock()
		return nil, err
	}
	vmStartDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	h.mu.Lock()
	h.live[ident.id] = vm
	h.mu.Unlock()
	activeVMs.Inc()

	go vm.wait()
	go vm.pump(h.cfg.VsockPort, h.cfg.GuestConnectTimeout)
	return vm, nil
}

func (h *Hypervisor) startMachine(ctx context.Context, ident *identity, fcCfg fcsdk.Config, console io.Writer, restore bool, opts ...fcsdk.Opt) (*VM, error) {
	if console == nil {
		console = io.Discard
	}
	if err := os.Remove(fcCfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale API socket: %w", err)
	}

	vmCtx, cancel := context.WithCancel(context.Background())

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(h.cfg.FirecrackerBin).
		WithSocketPath(fcCfg.SocketPath).
		WithStdout(console).
		WithStderr(console).
		Build(vmCtx)

	opts = append([]fcsdk.Opt{
		fcsdk.WithLogger(h.fcLogger),
		fcsdk.WithProcessRunner(fcCmd),
	}, opts...)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	if restore {
		// Devices come from the snapshot, not from the API.
		machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(fcsdk.AddVsocksHandlerName)
		machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(fcsdk.SetupNetworkHandlerName)
		machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(fcsdk.CreateLogFilesHandlerName)
		machine.Handlers.FcInit = machine.Handlers.FcInit.Remove(fcsdk.BootstrapLoggingHandlerName)
	}

	// Abort startup if the caller gives up, without tying the VMM to ctx.
	stop := context.AfterFunc(ctx, cancel)
	err = machine.Start(vmCtx)
	interrupted := !stop()
	if err == nil && interrupted {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		if stopErr := machine.StopVMM(); stopErr != nil {
			h.logger.Debug("StopVMM after failed start", "vm", ident.id, "error", stopErr)
		}
		return nil, fmt.Errorf("start VM: %w", err)
	}

	return &VM{
		h:       h,
		id:      ident.id,
		ip:      guestAddr(ident.net.GuestIP),
		vsock:   ident.vsockSocket(),
		machine: machine,
		ctx:     vmCtx,
		cancel:  cancel,
		events:  make(chan trigger.Event, eventBuffer),
		done:    make(chan struct{}),
	}, nil
}

func (h *Hypervisor) forget(vm *VM) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[vm.id] == vm {
		delete(h.live, vm.id)
	}
}

// teardownNetwork tears down networking for an identity, logging errors but not propagating them.
func (h *Hypervisor) teardownNetwork(ctx context.Context, id string) {
	if err := h.netMgr.Teardown(ctx, id); err != nil {
		h.logger.Warn("network teardown failed", "vm", id, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (h *Hypervisor) allocateCID() (uint32, error) {
	h.cidMu.Lock()
	defer h.cidMu.Unlock()

	// Try the next CID and scan forward if in use.
	scanRange := uint32(h.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(h.cidNext+i, MinCID)
		if !h.cidInUse[candidate] {
			h.cidInUse[candidate] = true
			h.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use): %w", len(h.cidInUse), hypervisor.ErrCapacity)
}

// releaseCID returns a CID to the pool.
func (h *Hypervisor) releaseCID(cid uint32) {
	h.cidMu.Lock()
	defer h.cidMu.Unlock()
	delete(h.cidInUse, cid)
}

// guestAddr strips the prefix length from a CIDR address.
func guestAddr(cidr string) string {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return cidr
	}
	return ip.String()
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	if src == "" {
		return errors.New("no rootfs image")
	}
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}

// VM is a running Firecracker microVM.
type VM struct {
	h       *Hypervisor
	id      string
	ip      string
	vsock   string
	machine *fcsdk.Machine

	// ctx is cancelled once the VMM has exited or is being stopped.
	ctx    context.Context
	cancel context.CancelFunc

	events chan trigger.Event
	done   chan struct{}

	mu     sync.Mutex
	paused bool

	exitOnce sync.Once
}

var _ hypervisor.VM = (*VM)(nil)

// ID returns the instance identity the VM runs as.
func (v *VM) ID() string { return v.id }

// IP returns the guest address.
func (v *VM) IP() string { return v.ip }

// Events delivers trigger events from the guest agent.
func (v *VM) Events() <-chan trigger.Event { return v.events }

// Pause freezes the guest vCPUs.
func (v *VM) Pause(ctx context.Context) error {
	if err := v.machine.PauseVM(ctx); err != nil {
		return fmt.Errorf("pause VM: %w", err)
	}
	v.mu.Lock()
	v.paused = true
	v.mu.Unlock()
	return nil
}

// Resume continues a paused guest.
func (v *VM) Resume(ctx context.Context) error {
	if err := v.machine.ResumeVM(ctx); err != nil {
		return fmt.Errorf("resume VM: %w", err)
	}
	v.mu.Lock()
	v.paused = false
	v.mu.Unlock()
	return nil
}

// Snapshot writes a full snapshot of the paused VM.
func (v *VM) Snapshot(ctx context.Context, files hypervisor.SnapshotFiles) error {
	start := time.Now()
	err := v.machine.CreateSnapshot(ctx, files.MemoryPath, files.StatePath)
	recordOp(opSnapshot, err)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	snapshotDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Shutdown stops the VMM and waits for it to exit. The identity's network
// and scratch directory are kept for later restores.
func (v *VM) Shutdown(ctx context.Context) error {
	start := time.Now()

	v.mu.Lock()
	paused := v.paused
	v.mu.Unlock()

	select {
	case <-v.done:
		return nil
	default:
	}

	// A paused guest cannot handle Ctrl+Alt+Del.
	if !paused {
		shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
		err := v.machine.Shutdown(shutdownCtx)
		cancel()
		if err == nil {
			select {
			case <-v.done:
			case <-time.After(gracefulShutdownTimeout):
			case <-ctx.Done():
			}
		} else {
			v.h.logger.Debug("graceful shutdown failed, forcing stop", "vm", v.id, "error", err)
		}
	}

	select {
	case <-v.done:
	default:
		if err := v.machine.StopVMM(); err != nil {
			v.h.logger.Debug("StopVMM failed", "vm", v.id, "error", err)
		}
	}

	select {
	case <-v.done:
	case <-time.After(gracefulShutdownTimeout):
		// Killing the process context ends Wait.
		v.cancel()
		<-v.done
	}

	vmCleanupDuration.Observe(time.Since(start).Seconds())
	return nil
}

// wait blocks until the VMM exits and then marks the VM gone.
func (v *VM) wait() {
	if err := v.machine.Wait(v.ctx); err != nil && v.ctx.Err() == nil {
		v.h.logger.Debug("VMM exited", "vm", v.id, "error", err)
	}
	v.exitOnce.Do(func() {
		v.cancel()
		v.h.forget(v)
		activeVMs.Dec()
		close(v.done)
		v.h.logger.Debug("VM exited", "vm", v.id)
	})
}

// pump forwards guest events to the Events channel until the VM exits,
// redialing the agent whenever its connection drops.
func (v *VM) pump(port uint32, connectTimeout time.Duration) {
	defer close(v.events)

	for v.ctx.Err() == nil {
		dialCtx, cancel := context.WithTimeout(v.ctx, connectTimeout)
		gc, err := dialGuest(dialCtx, v.vsock, port, 0)
		cancel()
		if err != nil {
			if v.ctx.Err() == nil {
				v.h.logger.Warn("guest agent unreachable", "vm", v.id, "error", err)
				<-v.ctx.Done()
			}
			return
		}
		v.read(gc)
	}
}

func (v *VM) read(gc *GuestConn) {
	stop := context.AfterFunc(v.ctx, func() { gc.Close() })
	defer stop()
	defer gc.Close()

	for {
		e, err := gc.Next()
		if err != nil {
			if v.ctx.Err() == nil {
				v.h.logger.Debug("guest event stream closed", "vm", v.id, "error", err)
			}
			return
		}
		guestEventsTotal.WithLabelValues(e.Type.String()).Inc()
		if e.Type == trigger.TypeHello {
			v.h.logger.Debug("guest agent connected", "vm", v.id, "sent", e.Arg)
			continue
		}
		select {
		case v.events <- e:
		case <-v.ctx.Done():
			return
		}
	}
}
