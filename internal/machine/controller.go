package machine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/flare/internal/console"
	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/trigger"
)

// teardownTimeout bounds VM shutdown and the wait for its event stream to end.
const teardownTimeout = 5 * time.Second

// runtime holds the collaborators shared by every controller of a manager.
type runtime struct {
	hv     hypervisor.Hypervisor
	snaps  *snapshot.Store
	budget *Budget
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	rootfs  func(ctx context.Context, image string) (string, error)
	persist func(model.Instance)
	publish func(events.Event)
	console func(machineID, key string) *console.LineWriter
}

// Controller drives the lifecycle of one machine instance. Long operations
// (boot, restore, snapshot) are serialized by opMu; state reads and Stop only
// take mu, so Stop can cancel an operation in flight.
type Controller struct {
	rt        *runtime
	key       string
	vmID      string
	machineID string
	slot      int
	spec      model.MachineSpec
	policy    model.SnapshotPolicy
	console   *console.LineWriter
	logger    *slog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	status      string
	lastErr     *Error
	snapVersion string
	cancelOp    context.CancelFunc
	vm          hypervisor.VM
	watchDone   chan struct{}
	pinned      *snapshot.Snapshot
	scratch     []string
	reserved    bool
	detector    *trigger.Detector
	ready       chan struct{}

	flash FlashLock
}

func newController(rt *runtime, machineID string, spec model.MachineSpec, slot int, status, snapVersion string) *Controller {
	key := model.InstanceKey(spec.Namespace, spec.Name, slot)
	return &Controller{
		rt:          rt,
		key:         key,
		vmID:        strings.NewReplacer("/", ".", "#", ".").Replace(key),
		machineID:   machineID,
		slot:        slot,
		spec:        spec,
		policy:      spec.EffectivePolicy(),
		console:     rt.console(machineID, key),
		logger:      rt.logger.With("instance", key),
		status:      status,
		snapVersion: snapVersion,
	}
}

// Key returns the instance identity key.
func (c *Controller) Key() string { return c.key }

// MachineID returns the ID of the owning machine.
func (c *Controller) MachineID() string { return c.machineID }

// Slot returns the replica slot.
func (c *Controller) Slot() int { return c.slot }

// Spec returns the machine spec the instance runs.
func (c *Controller) Spec() model.MachineSpec { return c.spec }

// Status returns the current status.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IP returns the guest address while a VM is live.
func (c *Controller) IP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vm == nil {
		return ""
	}
	return c.vm.IP()
}

// FlashLocks returns the number of flash locks held by the guest.
func (c *Controller) FlashLocks() int {
	return c.flash.Count()
}

// LastError returns the last recorded error, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

// Info returns the persisted view of the instance.
func (c *Controller) Info() model.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := model.Instance{
		Key:             c.key,
		MachineID:       c.machineID,
		Slot:            c.slot,
		Status:          c.status,
		SnapshotVersion: c.snapVersion,
		UpdatedAt:       time.Now().UTC(),
	}
	if c.vm != nil {
		in.IP = c.vm.IP()
	}
	if c.lastErr != nil {
		in.ErrorKind = string(c.lastErr.Kind)
		in.Error = c.lastErr.Error()
	}
	return in
}

func (c *Controller) changed() {
	in := c.Info()
	c.rt.persist(in)
	c.rt.publish(events.Event{
		Type:      events.TypeStatus,
		Machine:   c.machineID,
		Instance:  c.key,
		Status:    in.Status,
		ErrorKind: in.ErrorKind,
		Message:   in.Error,
		Time:      in.UpdatedAt,
	})
}

// transition moves from → to if the instance is still in from.
func (c *Controller) transition(from, to string) bool {
	c.mu.Lock()
	ok := c.status == from && model.ValidTransition(from, to)
	if ok {
		c.status = to
		if to != model.StatusError {
			c.lastErr = nil
		}
	}
	c.mu.Unlock()

	if ok {
		transitionsTotal.WithLabelValues(from, to).Inc()
		c.logger.Debug("instance transition", "from", from, "to", to)
		c.changed()
	}
	return ok
}

// fail records e and moves the instance to ERROR. An instance being stopped
// is left alone and the stop error returned instead.
func (c *Controller) fail(e *Error) error {
	c.mu.Lock()
	from := c.status
	if from == model.StatusStopping || from == model.StatusStopped {
		c.mu.Unlock()
		return c.stoppingErr()
	}
	ok := model.ValidTransition(from, model.StatusError)
	if ok {
		c.status = model.StatusError
		c.lastErr = e
	}
	c.mu.Unlock()

	if ok {
		transitionsTotal.WithLabelValues(from, model.StatusError).Inc()
		c.logger.Error("instance failed", "kind", e.Kind, "error", e)
		c.changed()
	}
	return e
}

func (c *Controller) stoppingErr() *Error {
	return Errorf(KindMachineStopping, "instance %s is stopping", c.key)
}

// interrupted explains why an operation could not complete its transition.
func (c *Controller) interrupted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case model.StatusStopping, model.StatusStopped:
		return c.stoppingErr()
	case model.StatusError:
		if c.lastErr != nil {
			return c.lastErr
		}
	}
	return Errorf(KindInternal, "instance %s changed state to %s", c.key, c.status)
}

// beginOp registers a cancellable operation context Stop can abort.
// Callers hold opMu.
func (c *Controller) beginOp(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == model.StatusStopping || c.status == model.StatusStopped {
		return nil, nil, c.stoppingErr()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelOp = cancel
	return ctx, func() {
		c.mu.Lock()
		c.cancelOp = nil
		c.mu.Unlock()
		cancel()
	}, nil
}

func (c *Controller) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.rt.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("instance", c.key),
		attribute.String("machine", c.machineID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Activate brings the instance to READY: a READY instance returns at once, a
// SUSPENDED one is restored and a NEW one is prepared (booted to its trigger,
// snapshotted and suspended) and then restored. Machines without snapshots
// are booted and kept running.
func (c *Controller) Activate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, end, err := c.beginOp(ctx)
	if err != nil {
		return err
	}
	defer end()

	switch st := c.Status(); st {
	case model.StatusReady:
		return nil
	case model.StatusSuspended:
		return c.restore(ctx)
	case model.StatusNew:
		if err := c.prepare(ctx); err != nil {
			return err
		}
		if c.Status() == model.StatusSuspended {
			return c.restore(ctx)
		}
		return nil
	case model.StatusError:
		return c.interrupted()
	default:
		return Errorf(KindInternal, "instance %s is %s", c.key, st)
	}
}

// prepare boots the instance to its trigger point and, for snapshotting
// machines, captures the base snapshot and suspends. A snapshot blocked by
// flash locks leaves the instance READY.
func (c *Controller) prepare(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "machine.prepare")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	if err := c.boot(ctx); err != nil {
		return err
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	bootDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("instance ready", "policy", c.policy.Kind, "duration_ms", time.Since(start).Milliseconds())

	if !c.spec.SnapshotsEnabled() {
		return nil
	}
	err = c.suspend(ctx)
	if errors.Is(err, ErrSnapshotBlocked) {
		return nil
	}
	return err
}

func (c *Controller) reserve() bool {
	if !c.rt.budget.Reserve(c.spec.VCPUs, c.spec.MemoryMiB) {
		return false
	}
	c.mu.Lock()
	c.reserved = true
	c.mu.Unlock()
	return true
}

func (c *Controller) holdsBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved
}

func (c *Controller) releaseBudget() {
	c.mu.Lock()
	reserved := c.reserved
	c.reserved = false
	c.mu.Unlock()
	if reserved {
		c.rt.budget.Release(c.spec.VCPUs, c.spec.MemoryMiB)
	}
}

func (c *Controller) budgetErr() error {
	vcpus, mem := c.rt.budget.Usage()
	return Errorf(KindResourceUnavailable, "instance %s needs %d vcpus and %d MiB, %d vcpus and %d MiB already reserved",
		c.key, c.spec.VCPUs, c.spec.MemoryMiB, vcpus, mem)
}

// record keeps e as the last error without changing the status.
func (c *Controller) record(e *Error) {
	c.mu.Lock()
	c.lastErr = e
	c.mu.Unlock()
	c.rt.persist(c.Info())
}

// attach records a freshly started VM and starts watching its events.
func (c *Controller) attach(vm hypervisor.VM, det *trigger.Detector) {
	done := make(chan struct{})
	var ready chan struct{}
	if det != nil {
		ready = make(chan struct{})
	}
	c.flash.Reset()

	c.mu.Lock()
	c.vm = vm
	c.watchDone = done
	c.detector = det
	c.ready = ready
	c.mu.Unlock()

	go c.watch(vm, done)
}

func (c *Controller) boot(ctx context.Context) error {
	var rootfs string
	if c.rt.rootfs != nil {
		path, err := c.rt.rootfs(ctx, c.spec.Image)
		if err != nil {
			return c.fail(Errorf(KindBootFailed, "resolve image %s: %w", c.spec.Image, err))
		}
		rootfs = path
	}
	if !c.reserve() {
		return c.budgetErr()
	}

	vm, err := c.rt.hv.Boot(ctx, hypervisor.BootSpec{
		ID:         c.vmID,
		Image:      c.spec.Image,
		RootfsPath: rootfs,
		VCPUs:      c.spec.VCPUs,
		MemoryMiB:  c.spec.MemoryMiB,
		Env:        c.spec.Env,
		Command:    c.spec.Command,
		Console:    c.console,
	})
	if err != nil {
		c.releaseBudget()
		switch {
		case c.isStopping():
			return c.stoppingErr()
		case errors.Is(err, hypervisor.ErrCapacity):
			return Errorf(KindResourceUnavailable, "boot %s: %w", c.key, err)
		case ctx.Err() != nil:
			return Errorf(KindInternal, "boot %s interrupted: %w", c.key, ctx.Err())
		default:
			return c.fail(Errorf(KindBootFailed, "boot %s: %w", c.key, err))
		}
	}

	var det *trigger.Detector
	if c.policy.Kind != "" {
		det = trigger.NewDetector(c.policy)
	}
	c.attach(vm, det)
	if !c.transition(model.StatusNew, model.StatusRunning) {
		return c.interrupted()
	}
	c.logger.Info("instance booted", "vcpus", c.spec.VCPUs, "memory_mib", c.spec.MemoryMiB)
	return nil
}

func (c *Controller) isStopping() bool {
	st := c.Status()
	return st == model.StatusStopping || st == model.StatusStopped
}

// awaitReady waits for the trigger detector of the current running period.
// Manual policies wait until triggered or stopped; the rest are bounded by the
// boot timeout.
func (c *Controller) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready, done := c.ready, c.watchDone
	c.mu.Unlock()

	if ready != nil {
		var timeout <-chan time.Time
		if c.policy.Kind != model.PolicyManual && c.rt.opts.BootTimeout > 0 {
			t := time.NewTimer(c.rt.opts.BootTimeout)
			defer t.Stop()
			timeout = t.C
		}

		select {
		case <-ready:
		case <-done:
			return c.interrupted()
		case <-timeout:
			c.teardown()
			return c.fail(Errorf(KindBootFailed, "instance %s did not reach its %s trigger within %s",
				c.key, c.policy.Kind, c.rt.opts.BootTimeout))
		case <-ctx.Done():
			if c.isStopping() {
				return c.stoppingErr()
			}
			c.teardown()
			return c.fail(Errorf(KindBootFailed, "boot %s interrupted: %w", c.key, ctx.Err()))
		}
	}

	if !c.transition(model.StatusRunning, model.StatusReady) {
		return c.interrupted()
	}
	return nil
}

// watch consumes guest events until the VM's event stream ends.
func (c *Controller) watch(vm hypervisor.VM, done chan struct{}) {
	defer close(done)
	for e := range vm.Events() {
		switch e.Type {
		case trigger.TypeFlashLock:
			// A suspended instance has no VM, so only the current VM's
			// locks count.
			if c.current(vm) {
				c.flash.Lock()
			}
		case trigger.TypeFlashUnlock:
			c.flash.Unlock()
		case trigger.TypeManualTrigger:
			if c.Status() == model.StatusReady && c.spec.SnapshotsEnabled() {
				go func() {
					if err := c.Resnapshot(context.Background()); err != nil {
						c.logger.Warn("guest-requested snapshot failed", "error", err)
					}
				}()
			}
		}
		c.observe(vm, e)
	}
	c.vmExited(vm)
}

func (c *Controller) current(vm hypervisor.VM) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vm == vm
}

// observe feeds e to the detector of vm's running period.
func (c *Controller) observe(vm hypervisor.VM, e trigger.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vm != vm || c.detector == nil {
		return false
	}
	if c.detector.Observe(e) {
		close(c.ready)
		c.logger.Debug("trigger fired", "event", e.Type.String(), "listens", c.detector.Listens())
		return true
	}
	return false
}

// vmExited fails an instance whose VM event stream ended without a teardown.
// It runs on the watch goroutine before done is closed, so an operation
// waiting on done observes the ERROR status.
func (c *Controller) vmExited(vm hypervisor.VM) {
	c.mu.Lock()
	if c.vm != vm {
		c.mu.Unlock()
		return
	}
	from := c.status
	kind := KindInternal
	if from == model.StatusRunning {
		kind = KindBootFailed
	}
	e := Errorf(kind, "vm of instance %s exited unexpectedly", c.key)
	failed := model.ValidTransition(from, model.StatusError) &&
		from != model.StatusStopping && from != model.StatusStopped
	if failed {
		c.status = model.StatusError
		c.lastErr = e
	}
	c.mu.Unlock()

	c.release(false)
	if failed {
		transitionsTotal.WithLabelValues(from, model.StatusError).Inc()
		c.logger.Error("instance failed", "kind", e.Kind, "error", e)
		c.changed()
	}
}

// teardown shuts the current VM down and returns its reservations. Host
// resources tied to the identity are kept for a later restore.
func (c *Controller) teardown() {
	c.release(true)
}

func (c *Controller) release(wait bool) {
	c.mu.Lock()
	vm, done, pinned, scratch := c.vm, c.watchDone, c.pinned, c.scratch
	c.vm, c.watchDone, c.pinned, c.scratch = nil, nil, nil, nil
	c.detector, c.ready = nil, nil
	c.mu.Unlock()

	if vm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := vm.Shutdown(ctx); err != nil {
			c.logger.Warn("vm shutdown failed", "error", err)
		}
		cancel()
		if wait {
			select {
			case <-done:
			case <-time.After(teardownTimeout):
				c.logger.Warn("vm event stream did not close after shutdown")
			}
		}
	}
	if pinned != nil {
		pinned.Close()
	}
	for _, f := range scratch {
		os.Remove(f)
	}
	c.releaseBudget()
	c.flash.Reset()
	c.console.Flush()
}

// Suspend snapshots a READY instance (unless a non-stateful instance already
// has one) and tears its VM down.
func (c *Controller) Suspend(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, end, err := c.beginOp(ctx)
	if err != nil {
		return err
	}
	defer end()

	if !c.spec.SnapshotsEnabled() {
		return Errorf(KindInvalidSpec, "machine %s does not take snapshots", c.spec.Ref())
	}
	return c.suspend(ctx)
}

func (c *Controller) suspend(ctx context.Context) (err error) {
	switch st := c.Status(); st {
	case model.StatusReady:
	case model.StatusSuspended:
		return nil
	default:
		return Errorf(KindConflict, "instance %s is %s, not ready", c.key, st)
	}

	ctx, span := c.startSpan(ctx, "machine.suspend")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	c.mu.Lock()
	vm := c.vm
	capture := c.spec.Mode.Stateful || c.snapVersion == ""
	c.mu.Unlock()

	if err := c.quiesce(ctx, vm); err != nil {
		return err
	}
	if capture {
		if err := c.capture(ctx, vm); err != nil {
			return err
		}
	}

	c.teardown()
	if !c.transition(model.StatusReady, model.StatusSuspended) {
		return c.interrupted()
	}
	snapshotDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("instance suspended", "captured", capture, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// quiesce waits for the flash lock count to reach zero and pauses vm,
// retrying if a lock was taken in between. The whole wait is bounded by the
// flash lock wait; on timeout the VM is left running.
func (c *Controller) quiesce(ctx context.Context, vm hypervisor.VM) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.rt.opts.FlashLockWait)
	defer cancel()

	for {
		if err := c.flash.WaitZero(waitCtx); err != nil {
			if ctx.Err() != nil {
				return c.interrupted()
			}
			return c.blocked()
		}
		if err := vm.Pause(ctx); err != nil {
			c.teardown()
			return c.fail(Errorf(KindInternal, "pause %s: %w", c.key, err))
		}
		if c.flash.Count() == 0 {
			return nil
		}
		if err := vm.Resume(ctx); err != nil {
			c.teardown()
			return c.fail(Errorf(KindInternal, "resume %s: %w", c.key, err))
		}
	}
}

// blocked records a snapshot abandoned because of held flash locks.
func (c *Controller) blocked() error {
	e := Errorf(KindSnapshotBlocked, "instance %s still holds %d flash locks after %s",
		c.key, c.flash.Count(), c.rt.opts.FlashLockWait)

	c.record(e)
	snapshotBlockedTotal.Inc()
	c.logger.Warn("snapshot blocked by flash locks", "error", e)
	in := c.Info()
	c.rt.publish(events.Event{
		Type:      events.TypeSnapshotBlocked,
		Machine:   c.machineID,
		Instance:  c.key,
		Status:    in.Status,
		ErrorKind: string(e.Kind),
		Message:   e.Error(),
		Time:      in.UpdatedAt,
	})
	return e
}

// capture writes a snapshot of the paused vm and commits it, superseding the
// previous one. A write failure tears the VM down and fails the instance.
func (c *Controller) capture(ctx context.Context, vm hypervisor.VM) error {
	w, err := c.rt.snaps.Begin(ctx, c.key)
	if err == nil {
		err = vm.Snapshot(ctx, hypervisor.SnapshotFiles{
			StatePath:  w.Path(snapshot.FileState),
			MemoryPath: w.Path(snapshot.FileMemory),
		})
		if err != nil {
			w.Abort()
		}
	}
	var ref *snapshot.Ref
	if err == nil {
		ref, err = w.Commit(ctx, map[string]string{
			"machine": c.machineID,
			"image":   c.spec.Image,
			"policy":  c.policy.Kind,
			"vm_id":   c.vmID,
		})
	}
	if err != nil {
		c.teardown()
		if c.isStopping() {
			return c.stoppingErr()
		}
		return c.fail(Errorf(KindInternal, "snapshot %s: %w", c.key, err))
	}

	c.mu.Lock()
	c.snapVersion = ref.Version
	c.mu.Unlock()
	c.rt.publish(events.Event{
		Type:     events.TypeSnapshot,
		Machine:  c.machineID,
		Instance: c.key,
		Message:  ref.Version,
		Time:     ref.CreatedAt,
	})
	c.logger.Info("snapshot committed", "version", ref.Version)
	return nil
}

// restore resumes a SUSPENDED instance from its committed snapshot.
func (c *Controller) restore(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "machine.restore")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	snap, err := c.rt.snaps.Read(ctx, c.key)
	if err != nil {
		if ctx.Err() != nil && c.isStopping() {
			return c.stoppingErr()
		}
		return c.fail(Errorf(KindRestoreFailed, "read snapshot of %s: %w", c.key, err))
	}

	var scratch []string
	local := func(name string) (string, error) {
		path, err := snap.LocalPath(name, c.rt.opts.ScratchDir)
		if err == nil && filepath.Dir(path) == filepath.Clean(c.rt.opts.ScratchDir) {
			scratch = append(scratch, path)
		}
		return path, err
	}
	cleanup := func() {
		snap.Close()
		for _, f := range scratch {
			os.Remove(f)
		}
	}

	statePath, err := local(snapshot.FileState)
	var memPath string
	if err == nil {
		memPath, err = local(snapshot.FileMemory)
	}
	if err != nil {
		cleanup()
		return c.fail(Errorf(KindRestoreFailed, "stage snapshot of %s: %w", c.key, err))
	}

	if !c.reserve() {
		cleanup()
		return c.budgetErr()
	}

	vm, err := c.rt.hv.Restore(ctx, hypervisor.RestoreSpec{
		ID:         c.vmID,
		VCPUs:      c.spec.VCPUs,
		MemoryMiB:  c.spec.MemoryMiB,
		StatePath:  statePath,
		MemoryPath: memPath,
		Console:    c.console,
	})
	if err != nil {
		c.releaseBudget()
		cleanup()
		switch {
		case c.isStopping():
			return c.stoppingErr()
		case errors.Is(err, hypervisor.ErrCapacity):
			return Errorf(KindResourceUnavailable, "restore %s: %w", c.key, err)
		default:
			return c.fail(Errorf(KindRestoreFailed, "restore %s from %s: %w", c.key, snap.Version, err))
		}
	}

	c.attach(vm, nil)
	c.mu.Lock()
	c.pinned = snap
	c.scratch = scratch
	c.mu.Unlock()

	if !c.transition(model.StatusSuspended, model.StatusRunning) ||
		!c.transition(model.StatusRunning, model.StatusReady) {
		return c.interrupted()
	}
	restoreDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("instance restored", "version", snap.Version, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Trigger is the explicit manual trigger: a RUNNING instance waiting on a
// manual policy becomes READY, a READY instance is re-snapshotted and keeps
// running.
func (c *Controller) Trigger(ctx context.Context) error {
	c.mu.Lock()
	status, vm := c.status, c.vm
	c.mu.Unlock()

	switch status {
	case model.StatusRunning:
		if c.observe(vm, trigger.Event{Type: trigger.TypeManualTrigger}) {
			return nil
		}
		return Errorf(KindConflict, "instance %s is not waiting for a manual trigger", c.key)
	case model.StatusReady:
		return c.Resnapshot(ctx)
	default:
		return Errorf(KindConflict, "instance %s is %s", c.key, status)
	}
}

// Resnapshot captures a new snapshot of a READY instance, superseding the
// stored one, and resumes it.
func (c *Controller) Resnapshot(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, end, err := c.beginOp(ctx)
	if err != nil {
		return err
	}
	defer end()

	if !c.spec.SnapshotsEnabled() {
		return Errorf(KindInvalidSpec, "machine %s does not take snapshots", c.spec.Ref())
	}
	if st := c.Status(); st != model.StatusReady {
		return Errorf(KindConflict, "instance %s is %s, not ready", c.key, st)
	}

	ctx, span := c.startSpan(ctx, "machine.resnapshot")
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	vm := c.vm
	c.mu.Unlock()

	if err := c.quiesce(ctx, vm); err != nil {
		return err
	}
	if err := c.capture(ctx, vm); err != nil {
		return err
	}
	if err := vm.Resume(ctx); err != nil {
		c.teardown()
		return c.fail(Errorf(KindInternal, "resume %s: %w", c.key, err))
	}
	c.rt.persist(c.Info())
	return nil
}

// Stop cancels any operation in flight, tears the VM down, releases the
// identity's host resources and discards its snapshot. Stopping a STOPPED
// instance is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	from := c.status
	if from == model.StatusStopped {
		c.mu.Unlock()
		return nil
	}
	c.status = model.StatusStopping
	cancel := c.cancelOp
	c.mu.Unlock()

	if from != model.StatusStopping {
		transitionsTotal.WithLabelValues(from, model.StatusStopping).Inc()
		c.changed()
	}
	if cancel != nil {
		cancel()
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.teardown()
	c.discard(ctx)

	c.mu.Lock()
	already := c.status == model.StatusStopped
	c.status = model.StatusStopped
	c.lastErr = nil
	c.mu.Unlock()
	if !already {
		transitionsTotal.WithLabelValues(model.StatusStopping, model.StatusStopped).Inc()
		c.logger.Info("instance stopped")
		c.changed()
	}
	return nil
}

// discard releases identity-bound host resources and the stored snapshot.
// Callers hold opMu with no VM attached.
func (c *Controller) discard(ctx context.Context) {
	if err := c.rt.hv.Release(ctx, c.vmID); err != nil {
		c.logger.Warn("release hypervisor resources failed", "error", err)
	}
	if err := c.rt.snaps.Delete(ctx, c.key); err != nil {
		c.logger.Warn("delete snapshot failed", "error", err)
	}
	c.mu.Lock()
	c.snapVersion = ""
	c.mu.Unlock()
}

// Reset returns a STOPPED or ERROR instance to NEW so it can be activated
// again. Other statuses are left as they are.
func (c *Controller) Reset(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	from := c.Status()
	switch from {
	case model.StatusError:
		c.discard(ctx)
	case model.StatusStopped:
	default:
		return nil
	}
	if !c.transition(from, model.StatusNew) {
		return c.interrupted()
	}
	return nil
}
