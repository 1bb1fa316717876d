package machine

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/hypervisor/hvtest"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/store"
	"github.com/seantiz/flare/internal/trigger"
)

type testEnv struct {
	hv    *hvtest.Hypervisor
	store store.Store
	snaps *snapshot.Store
	bus   *events.Bus
	mgr   *Manager
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	snaps, err := snapshot.Open(t.TempDir(), snapshot.Options{})
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	env := &testEnv{hv: hvtest.New(), store: st, snaps: snaps, bus: events.NewBus()}
	if opts.FlashLockWait == 0 {
		opts.FlashLockWait = 150 * time.Millisecond
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	opts.Events = env.bus
	env.mgr = NewManager(st, env.hv, snaps, opts)
	t.Cleanup(func() { env.mgr.Shutdown(context.Background()) })
	return env
}

func onDemand(name string) model.MachineSpec {
	return model.MachineSpec{
		Name:      name,
		Image:     "postgres",
		VCPUs:     1,
		MemoryMiB: 128,
		Mode:      model.Mode{Kind: model.ModeOnDemand, SnapshotStrategy: model.StrategyNet},
	}
}

func listen(port uint16) trigger.Event {
	return trigger.ListenEvent(netip.AddrPortFrom(netip.IPv4Unspecified(), port))
}

func (env *testEnv) deploy(t *testing.T, spec model.MachineSpec) *Controller {
	t.Helper()
	if _, err := env.mgr.Deploy(context.Background(), spec); err != nil {
		t.Fatalf("Deploy(%s): %v", spec.Name, err)
	}
	_, _, ctrls, err := env.mgr.Instances(spec.Name)
	if err != nil {
		t.Fatalf("Instances(%s): %v", spec.Name, err)
	}
	return ctrls[0]
}

func waitStatus(t *testing.T, c *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("instance %s status = %s, want %s", c.Key(), c.Status(), want)
}

func activateAsync(c *Controller) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Activate(context.Background()) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("activation did not finish")
		return nil
	}
}

func TestActivateColdBootSnapshotsAndRestores(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(5432)}
	c := env.deploy(t, onDemand("m1"))

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := c.Status(); got != model.StatusReady {
		t.Fatalf("status = %s, want ready", got)
	}
	if env.hv.Boots() != 1 || env.hv.Snapshots() != 1 || env.hv.Restores() != 1 {
		t.Errorf("boots/snapshots/restores = %d/%d/%d, want 1/1/1",
			env.hv.Boots(), env.hv.Snapshots(), env.hv.Restores())
	}
	if env.hv.Live() != 1 {
		t.Errorf("live VMs = %d, want 1", env.hv.Live())
	}
	if c.IP() == "" {
		t.Error("ready instance has no IP")
	}
	if c.Info().SnapshotVersion == "" {
		t.Error("instance has no snapshot version")
	}

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if env.hv.Boots() != 1 || env.hv.Restores() != 1 {
		t.Error("activating a ready instance booted or restored again")
	}
}

func TestNthListenPolicy(t *testing.T) {
	env := newTestEnv(t, Options{})
	spec := onDemand("m1")
	spec.Policy = &model.SnapshotPolicy{Kind: model.PolicyNthListen, N: 3}
	c := env.deploy(t, spec)

	done := activateAsync(c)
	vm, err := env.hv.WaitStarted(context.Background(), c.vmID)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, model.StatusRunning)

	vm.Emit(listen(8080))
	vm.Emit(listen(8081))
	time.Sleep(50 * time.Millisecond)
	if got := c.Status(); got != model.StatusRunning {
		t.Fatalf("status after 2 listens = %s, want running", got)
	}
	if env.hv.Snapshots() != 0 {
		t.Fatal("snapshot taken before the trigger fired")
	}

	vm.Emit(listen(8082))
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if env.hv.Snapshots() != 1 {
		t.Errorf("snapshots = %d, want 1", env.hv.Snapshots())
	}
	if got := c.Status(); got != model.StatusReady {
		t.Errorf("status = %s, want ready", got)
	}
}

func TestConcurrentActivateBootsOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.BootDelay = 20 * time.Millisecond
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Go(func() { errs[i] = c.Activate(context.Background()) })
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Activate[%d]: %v", i, err)
		}
	}
	if env.hv.Boots() != 1 {
		t.Errorf("boots = %d, want 1", env.hv.Boots())
	}
	if env.hv.PeakLive() != 1 {
		t.Errorf("peak live VMs = %d, want 1", env.hv.PeakLive())
	}
}

func TestFlashLockBlocksSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{FlashLockWait: 100 * time.Millisecond})
	env.hv.OnBoot = []trigger.Event{{Type: trigger.TypeFlashLock}, listen(80)}
	c := env.deploy(t, onDemand("m1"))

	evs := make(chan events.Event, 64)
	unsub, err := env.bus.Subscribe(evs)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := c.Status(); got != model.StatusReady {
		t.Fatalf("status = %s, want ready", got)
	}
	if !errors.Is(c.LastError(), ErrSnapshotBlocked) {
		t.Errorf("LastError = %v, want snapshot blocked", c.LastError())
	}
	if env.hv.Snapshots() != 0 {
		t.Fatalf("snapshots = %d with a flash lock held", env.hv.Snapshots())
	}
	vm := env.hv.VM(c.vmID)
	if vm.Closed() || vm.Paused() {
		t.Fatal("blocked snapshot did not leave the VM running")
	}

	found := false
	for len(evs) > 0 {
		if e := <-evs; e.Type == events.TypeSnapshotBlocked && e.Instance == c.Key() {
			found = true
		}
	}
	if !found {
		t.Error("no snapshot-blocked event published")
	}

	if err := c.Suspend(context.Background()); !errors.Is(err, ErrSnapshotBlocked) {
		t.Fatalf("Suspend with lock held: err = %v, want snapshot blocked", err)
	}

	vm.Emit(trigger.Event{Type: trigger.TypeFlashUnlock})
	deadline := time.Now().Add(time.Second)
	for c.FlashLocks() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend after unlock: %v", err)
	}
	if got := c.Status(); got != model.StatusSuspended {
		t.Errorf("status = %s, want suspended", got)
	}
	if env.hv.Snapshots() != 1 {
		t.Errorf("snapshots = %d, want 1", env.hv.Snapshots())
	}
	if c.LastError() != nil {
		t.Errorf("LastError after suspend = %v, want nil", c.LastError())
	}
}

func TestFlashLockReleasedDuringWait(t *testing.T) {
	env := newTestEnv(t, Options{FlashLockWait: 2 * time.Second})
	env.hv.OnBoot = []trigger.Event{{Type: trigger.TypeFlashLock}, listen(80)}
	c := env.deploy(t, onDemand("m1"))

	done := activateAsync(c)
	vm, err := env.hv.WaitStarted(context.Background(), c.vmID)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, model.StatusReady)
	time.Sleep(20 * time.Millisecond)
	if env.hv.Snapshots() != 0 {
		t.Fatal("snapshot taken while a flash lock was held")
	}
	vm.Emit(trigger.Event{Type: trigger.TypeFlashUnlock})

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if env.hv.Snapshots() != 1 || env.hv.Restores() != 1 {
		t.Errorf("snapshots/restores = %d/%d, want 1/1", env.hv.Snapshots(), env.hv.Restores())
	}
}

func TestStopDuringBoot(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.BootDelay = 10 * time.Second
	c := env.deploy(t, onDemand("m1"))

	done := activateAsync(c)
	deadline := time.Now().Add(time.Second)
	for env.hv.Boots() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := waitErr(t, done)
	if !errors.Is(err, ErrMachineStopping) {
		t.Fatalf("Activate err = %v, want machine stopping", err)
	}
	if got := c.Status(); got != model.StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
	if env.hv.Live() != 0 {
		t.Errorf("live VMs = %d, want 0", env.hv.Live())
	}
	if v, m := env.mgr.Budget().Usage(); v != 0 || m != 0 {
		t.Errorf("budget usage = %d/%d after stop, want 0/0", v, m)
	}
}

func TestStopWhileWaitingForTrigger(t *testing.T) {
	env := newTestEnv(t, Options{})
	spec := onDemand("m1")
	spec.Mode.SnapshotStrategy = model.StrategyManual
	c := env.deploy(t, spec)

	done := activateAsync(c)
	vm, err := env.hv.WaitStarted(context.Background(), c.vmID)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, model.StatusRunning)

	c.Stop(context.Background())
	if err := waitErr(t, done); !errors.Is(err, ErrMachineStopping) {
		t.Fatalf("Activate err = %v, want machine stopping", err)
	}
	if !vm.Closed() {
		t.Error("partially booted VM was not torn down")
	}
	if env.hv.Released(c.vmID) != 1 {
		t.Errorf("released = %d, want 1", env.hv.Released(c.vmID))
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := c.Activate(context.Background()); !errors.Is(err, ErrMachineStopping) {
		t.Errorf("Activate on stopped instance: err = %v, want machine stopping", err)
	}
}

func TestManualTrigger(t *testing.T) {
	tests := []struct {
		name string
		fire func(t *testing.T, env *testEnv, vm *hvtest.VM)
	}{
		{"guest", func(t *testing.T, _ *testEnv, vm *hvtest.VM) {
			vm.Emit(trigger.Event{Type: trigger.TypeManualTrigger})
		}},
		{"rpc", func(t *testing.T, env *testEnv, _ *hvtest.VM) {
			if err := env.mgr.Snapshot(context.Background(), "m1"); err != nil {
				t.Errorf("Snapshot: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{BootTimeout: 50 * time.Millisecond})
			env.hv.OnBoot = []trigger.Event{listen(80), {Type: trigger.TypeUserspaceReady}}
			spec := onDemand("m1")
			spec.Mode.SnapshotStrategy = model.StrategyManual
			c := env.deploy(t, spec)

			done := activateAsync(c)
			vm, err := env.hv.WaitStarted(context.Background(), c.vmID)
			if err != nil {
				t.Fatal(err)
			}
			waitStatus(t, c, model.StatusRunning)
			time.Sleep(100 * time.Millisecond)
			if got := c.Status(); got != model.StatusRunning {
				t.Fatalf("status before manual trigger = %s, want running", got)
			}

			tt.fire(t, env, vm)
			if err := waitErr(t, done); err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if env.hv.Snapshots() != 1 {
				t.Errorf("snapshots = %d, want 1", env.hv.Snapshots())
			}
		})
	}
}

func TestResnapshotSupersedes(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	spec := onDemand("m1")
	spec.Mode.Stateful = true
	c := env.deploy(t, spec)

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	first := c.Info().SnapshotVersion

	if err := env.mgr.Snapshot(context.Background(), "m1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	second := c.Info().SnapshotVersion
	if second == "" || second == first {
		t.Fatalf("snapshot version %q did not supersede %q", second, first)
	}
	if got := c.Status(); got != model.StatusReady {
		t.Errorf("status after re-snapshot = %s, want ready", got)
	}
	if vm := env.hv.VM(c.vmID); vm.Paused() || vm.Closed() {
		t.Error("re-snapshot did not resume the VM")
	}
	ref, err := env.snaps.Lookup(c.Key())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ref.Version != second {
		t.Errorf("stored version = %s, want %s", ref.Version, second)
	}

	// Stateful machines capture again on suspend.
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if env.hv.Snapshots() != 3 {
		t.Errorf("snapshots = %d, want 3", env.hv.Snapshots())
	}
}

func TestCapacityIsResourceUnavailable(t *testing.T) {
	t.Run("budget", func(t *testing.T) {
		env := newTestEnv(t, Options{MaxVCPUs: 1})
		spec := onDemand("a")
		spec.Mode.SnapshotStrategy = model.StrategyNone
		a := env.deploy(t, spec)
		spec.Name = "b"
		b := env.deploy(t, spec)

		if err := a.Activate(context.Background()); err != nil {
			t.Fatalf("Activate a: %v", err)
		}
		err := b.Activate(context.Background())
		if !errors.Is(err, ErrResourceUnavailable) || !Retryable(err) {
			t.Fatalf("Activate b err = %v, want retryable resource unavailable", err)
		}
		if got := b.Status(); got != model.StatusNew {
			t.Errorf("status = %s, want new", got)
		}

		a.Stop(context.Background())
		if err := b.Activate(context.Background()); err != nil {
			t.Fatalf("Activate b after a stopped: %v", err)
		}
	})

	t.Run("hypervisor", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		env.hv.OnBoot = []trigger.Event{listen(80)}
		c := env.deploy(t, onDemand("m1"))
		env.hv.FailBoots(hypervisor.ErrCapacity)

		if err := c.Activate(context.Background()); !errors.Is(err, ErrResourceUnavailable) {
			t.Fatalf("Activate err = %v, want resource unavailable", err)
		}
		if got := c.Status(); got != model.StatusNew {
			t.Errorf("status = %s, want new", got)
		}
		if err := c.Activate(context.Background()); err != nil {
			t.Fatalf("retry: %v", err)
		}
	})
}

func TestBootFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))
	env.hv.FailBoots(errors.New("kernel panic"))

	err := c.Activate(context.Background())
	if !errors.Is(err, ErrBootFailed) || Retryable(err) {
		t.Fatalf("Activate err = %v, want non-retryable boot failure", err)
	}
	if got := c.Status(); got != model.StatusError {
		t.Fatalf("status = %s, want error", got)
	}
	if err := c.Activate(context.Background()); !errors.Is(err, ErrBootFailed) {
		t.Errorf("second Activate err = %v, want the recorded boot failure", err)
	}
	if env.hv.Boots() != 1 {
		t.Errorf("boots = %d, want 1", env.hv.Boots())
	}
	if info := c.Info(); info.ErrorKind != string(KindBootFailed) {
		t.Errorf("ErrorKind = %q, want %q", info.ErrorKind, KindBootFailed)
	}

	if _, err := env.mgr.Start(context.Background(), "m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate after Start: %v", err)
	}
}

func TestBootTimeout(t *testing.T) {
	env := newTestEnv(t, Options{BootTimeout: 50 * time.Millisecond})
	c := env.deploy(t, onDemand("m1"))

	if err := c.Activate(context.Background()); !errors.Is(err, ErrBootFailed) {
		t.Fatalf("Activate err = %v, want boot failure", err)
	}
	if env.hv.Live() != 0 {
		t.Errorf("live VMs = %d, want 0", env.hv.Live())
	}
}

func TestRestoreFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))
	env.hv.FailRestores(errors.New("bad memory file"))

	if err := c.Activate(context.Background()); !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("Activate err = %v, want restore failure", err)
	}
	if got := c.Status(); got != model.StatusError {
		t.Errorf("status = %s, want error", got)
	}
	if v, m := env.mgr.Budget().Usage(); v != 0 || m != 0 {
		t.Errorf("budget usage = %d/%d, want 0/0", v, m)
	}
}

func TestSnapshotWriteFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))
	env.hv.FailSnapshots(errors.New("disk full"))

	if err := c.Activate(context.Background()); KindOf(err) != KindInternal {
		t.Fatalf("Activate err = %v, want internal", err)
	}
	if got := c.Status(); got != model.StatusError {
		t.Errorf("status = %s, want error", got)
	}
	if _, err := env.snaps.Lookup(c.Key()); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Lookup err = %v, want not found", err)
	}
}

func TestVMExitFailsInstance(t *testing.T) {
	env := newTestEnv(t, Options{})
	spec := onDemand("m1")
	spec.Mode.SnapshotStrategy = model.StrategyNone
	c := env.deploy(t, spec)

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	env.hv.VM(c.vmID).Shutdown(context.Background())

	waitStatus(t, c, model.StatusError)
	if KindOf(c.LastError()) != KindInternal {
		t.Errorf("LastError = %v, want internal", c.LastError())
	}
	if v, _ := env.mgr.Budget().Usage(); v != 0 {
		t.Errorf("vcpus reserved = %d after exit, want 0", v)
	}
}

func TestSuspendedStopDiscardsSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))

	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.snaps.Lookup(c.Key()); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Lookup after stop: err = %v, want not found", err)
	}
	if got := c.Status(); got != model.StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}

func TestRestoredGuestFlashLockCounts(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	c := env.deploy(t, onDemand("m1"))
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Suspend(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.FlashLocks() != 0 {
		t.Fatalf("flash locks while suspended = %d, want 0", c.FlashLocks())
	}

	env.hv.OnRestore = []trigger.Event{{Type: trigger.TypeFlashLock}}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for c.FlashLocks() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.FlashLocks() != 1 {
		t.Errorf("flash locks = %d, want 1", c.FlashLocks())
	}

	if err := c.Suspend(context.Background()); !errors.Is(err, ErrSnapshotBlocked) {
		t.Errorf("Suspend err = %v, want snapshot blocked", err)
	}
}
