package machine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/flare/internal/hypervisor/hvtest"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/store"
	"github.com/seantiz/flare/internal/trigger"
)

func TestDeployThenGetIsNeverSuspended(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.BootDelay = time.Second

	for _, spec := range []model.MachineSpec{
		onDemand("od"),
		{Name: "ao", Image: "nginx", VCPUs: 1, MemoryMiB: 128},
	} {
		m, err := env.mgr.Deploy(context.Background(), spec)
		if err != nil {
			t.Fatalf("Deploy(%s): %v", spec.Name, err)
		}
		got, err := env.mgr.Get(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("Get(%s): %v", m.ID, err)
		}
		if got.Status != model.StatusNew && got.Status != model.StatusRunning {
			t.Errorf("%s: status after deploy = %s, want new or running", spec.Name, got.Status)
		}
		if len(got.Instances) != 1 {
			t.Fatalf("%s: instances = %d, want 1", spec.Name, len(got.Instances))
		}
		if got.ConfigHash == "" {
			t.Errorf("%s: empty config hash", spec.Name)
		}
	}
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t, Options{MaxVCPUs: 4, MaxMemoryMiB: 1024})
	ctx := context.Background()

	bad := onDemand("Bad_Name")
	if _, err := env.mgr.Deploy(ctx, bad); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("invalid name: err = %v, want invalid spec", err)
	}

	big := onDemand("big")
	big.VCPUs = 8
	if _, err := env.mgr.Deploy(ctx, big); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("oversized machine: err = %v, want resource unavailable", err)
	}

	replicas := model.MachineSpec{Name: "fleet", Image: "nginx", VCPUs: 2, MemoryMiB: 128,
		Scaling: model.Scaling{Kind: model.ScalingFixed, Replicas: 3}}
	if _, err := env.mgr.Deploy(ctx, replicas); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("always-on replicas over budget: err = %v, want resource unavailable", err)
	}

	huge := onDemand("huge")
	huge.Scaling = model.Scaling{Kind: model.ScalingFixed, Replicas: 1 << 40}
	if _, err := env.mgr.Deploy(ctx, huge); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("replicas past the cap: err = %v, want invalid spec", err)
	}
	wide := onDemand("wide")
	wide.Scaling = model.Scaling{Kind: model.ScalingAuto, Min: 1, Max: model.MaxReplicas + 1}
	if _, err := env.mgr.Deploy(ctx, wide); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("auto max past the cap: err = %v, want invalid spec", err)
	}

	if _, err := env.mgr.Deploy(ctx, onDemand("m1")); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := env.mgr.Deploy(ctx, onDemand("m1")); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("duplicate name: err = %v, want invalid spec", err)
	}

	other := onDemand("m1")
	other.Namespace = "team"
	if _, err := env.mgr.Deploy(ctx, other); err != nil {
		t.Errorf("same name in another namespace: %v", err)
	}
}

func TestDeployAlwaysOnAgainstFreeBudget(t *testing.T) {
	env := newTestEnv(t, Options{MaxVCPUs: 2, MaxMemoryMiB: 1024})
	ctx := context.Background()

	a := env.deploy(t, model.MachineSpec{Name: "a", Image: "nginx", VCPUs: 2, MemoryMiB: 128})
	waitStatus(t, a, model.StatusReady)

	b := model.MachineSpec{Name: "b", Image: "nginx", VCPUs: 1, MemoryMiB: 128}
	if _, err := env.mgr.Deploy(ctx, b); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("always-on deploy on a full node: err = %v, want resource unavailable", err)
	}
	if _, err := env.mgr.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected machine was created: err = %v", err)
	}
	if _, err := env.mgr.Deploy(ctx, onDemand("lazy")); err != nil {
		t.Errorf("on-demand deploy on a full node: %v", err)
	}

	// Redeploying the machine that fills the node frees its own share first.
	next := model.MachineSpec{Name: "a", Image: "nginx:2", VCPUs: 2, MemoryMiB: 128}
	if _, err := env.mgr.Redeploy(ctx, "a", next); err != nil {
		t.Fatalf("Redeploy on a full node: %v", err)
	}
	_, _, ctrls, err := env.mgr.Instances("a")
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, ctrls[0], model.StatusReady)
}

func TestAlwaysOnStartRecordsBudgetError(t *testing.T) {
	env := newTestEnv(t, Options{MaxVCPUs: 2, MaxMemoryMiB: 1024})
	ctx := context.Background()

	b := env.deploy(t, model.MachineSpec{Name: "b", Image: "nginx", VCPUs: 2, MemoryMiB: 128})
	waitStatus(t, b, model.StatusReady)
	if _, err := env.mgr.Stop(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	a := env.deploy(t, model.MachineSpec{Name: "a", Image: "nginx", VCPUs: 2, MemoryMiB: 128})
	waitStatus(t, a, model.StatusReady)

	if _, err := env.mgr.Start(ctx, "b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for b.Info().ErrorKind == "" && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	in := b.Info()
	if in.ErrorKind != string(KindResourceUnavailable) || in.Error == "" {
		t.Fatalf("instance error = %q (%s), want resource unavailable", in.Error, in.ErrorKind)
	}
	if in.Status != model.StatusNew {
		t.Errorf("status = %s, want new", in.Status)
	}

	got, err := env.mgr.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Instances[0].ErrorKind != string(KindResourceUnavailable) {
		t.Errorf("reported error kind = %q, want resource unavailable", got.Instances[0].ErrorKind)
	}
}

func TestDeployReplacesStoppedMachine(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	first, err := env.mgr.Deploy(ctx, onDemand("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.mgr.Stop(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	second, err := env.mgr.Deploy(ctx, onDemand("m1"))
	if err != nil {
		t.Fatalf("redeploy over stopped machine: %v", err)
	}
	if second.ID == first.ID {
		t.Error("stopped machine was not replaced")
	}
	if _, err := env.mgr.Get(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old) err = %v, want not found", err)
	}
}

func TestGetByReference(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	spec := onDemand("db")
	spec.Namespace = "team"
	m, err := env.mgr.Deploy(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{m.ID, "team/db"} {
		got, err := env.mgr.Get(ctx, ref)
		if err != nil {
			t.Errorf("Get(%q): %v", ref, err)
			continue
		}
		if got.ID != m.ID {
			t.Errorf("Get(%q) = %s, want %s", ref, got.ID, m.ID)
		}
	}
	if _, err := env.mgr.Get(ctx, "db"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(db) in default namespace: err = %v, want not found", err)
	}

	list, err := env.mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != m.ID {
		t.Errorf("List = %v, want [%s]", list, m.ID)
	}
}

func TestScenarioM1(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(5432)}
	ctx := context.Background()
	c := env.deploy(t, onDemand("m1"))

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("cold Activate: %v", err)
	}
	logs, err := env.mgr.Logs(ctx, "m1", 100)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("no console output captured")
	}
	if !strings.Contains(strings.Join(logs, "\n"), "booted") {
		t.Errorf("logs = %q, want the boot line", logs)
	}

	if err := c.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	m, _ := env.mgr.Get(ctx, "m1")
	if m.Status != model.StatusSuspended {
		t.Fatalf("status = %s, want suspended", m.Status)
	}
	if env.hv.Live() != 0 {
		t.Errorf("live VMs while suspended = %d, want 0", env.hv.Live())
	}

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("warm Activate: %v", err)
	}
	if env.hv.Boots() != 1 || env.hv.Restores() != 2 {
		t.Errorf("boots/restores = %d/%d, want 1/2", env.hv.Boots(), env.hv.Restores())
	}
	if env.hv.Snapshots() != 1 {
		t.Errorf("snapshots = %d, want 1 (non-stateful machines reuse the base snapshot)", env.hv.Snapshots())
	}
}

func TestAlwaysOnLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	c := env.deploy(t, model.MachineSpec{Name: "web", Image: "nginx", VCPUs: 1, MemoryMiB: 128})

	waitStatus(t, c, model.StatusReady)
	if env.hv.Snapshots() != 0 {
		t.Errorf("always-on machine was snapshotted")
	}

	m, err := env.mgr.Stop(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusStopped || !m.Stopped {
		t.Errorf("after Stop: status=%s stopped=%v", m.Status, m.Stopped)
	}
	if _, err := env.mgr.Stop(ctx, "web"); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	if _, err := env.mgr.Start(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, model.StatusReady)
	if _, err := env.mgr.Start(ctx, "web"); err != nil {
		t.Errorf("Start on running machine: %v", err)
	}
	if env.hv.Boots() != 2 {
		t.Errorf("boots = %d, want 2", env.hv.Boots())
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	ctx := context.Background()

	var removed atomic.Value
	env.mgr.OnRemove(func(id string) { removed.Store(id) })

	c := env.deploy(t, onDemand("m1"))
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	id := c.MachineID()
	logs, unsub := env.mgr.Broker().Subscribe(id)
	defer unsub()

	if err := env.mgr.Delete(ctx, "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.mgr.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want not found", err)
	}
	if _, err := env.store.GetMachine(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store record survived: err = %v", err)
	}
	if _, err := env.snaps.Lookup(c.Key()); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("snapshot survived: err = %v", err)
	}
	if got, _ := removed.Load().(string); got != id {
		t.Errorf("OnRemove got %q, want %q", got, id)
	}
	if env.hv.Live() != 0 {
		t.Errorf("live VMs = %d, want 0", env.hv.Live())
	}
	for range logs {
	}
	if err := env.mgr.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want not found", err)
	}
}

func TestSlots(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	spec := onDemand("m1")
	spec.Scaling = model.Scaling{Kind: model.ScalingAuto, Min: 1, Max: 2}
	if _, err := env.mgr.Deploy(ctx, spec); err != nil {
		t.Fatal(err)
	}

	c, err := env.mgr.AddSlot(ctx, "m1")
	if err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if c.Slot() != 1 || c.Key() != "default/m1#1" {
		t.Errorf("new slot = %d (%s), want 1", c.Slot(), c.Key())
	}
	if _, err := env.mgr.AddSlot(ctx, "m1"); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("AddSlot beyond max: err = %v, want resource unavailable", err)
	}

	if err := env.mgr.RemoveSlot(ctx, "m1", 1); err != nil {
		t.Fatalf("RemoveSlot: %v", err)
	}
	if err := env.mgr.RemoveSlot(ctx, "m1", 0); !errors.Is(err, ErrConflict) {
		t.Errorf("RemoveSlot below min: err = %v, want conflict", err)
	}
	if got := c.Status(); got != model.StatusStopped {
		t.Errorf("removed slot status = %s, want stopped", got)
	}
	records, err := env.store.ListInstances(ctx, c.MachineID())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("instance records = %d, want 1", len(records))
	}
}

func TestRedeploy(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hv.OnBoot = []trigger.Event{listen(80)}
	ctx := context.Background()
	c := env.deploy(t, onDemand("m1"))
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	spec := onDemand("m1")
	spec.MemoryMiB = 256
	m, err := env.mgr.Redeploy(ctx, "m1", spec)
	if err != nil {
		t.Fatalf("Redeploy: %v", err)
	}
	if m.ID != c.MachineID() {
		t.Error("redeploy changed the machine ID")
	}
	if m.Spec.MemoryMiB != 256 || m.Status != model.StatusNew {
		t.Errorf("after redeploy: memory=%d status=%s", m.Spec.MemoryMiB, m.Status)
	}
	if got := c.Status(); got != model.StatusStopped {
		t.Errorf("old instance status = %s, want stopped", got)
	}

	renamed := onDemand("m2")
	if _, err := env.mgr.Redeploy(ctx, "m1", renamed); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("rename: err = %v, want invalid spec", err)
	}
}

func TestSnapshotRequiresSnapshots(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.deploy(t, model.MachineSpec{Name: "web", Image: "nginx", VCPUs: 1, MemoryMiB: 128})
	if err := env.mgr.Snapshot(ctx, "web"); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("Snapshot on always-on: err = %v, want invalid spec", err)
	}

	env.deploy(t, onDemand("idle"))
	if err := env.mgr.Snapshot(ctx, "idle"); !errors.Is(err, ErrConflict) {
		t.Errorf("Snapshot with nothing running: err = %v, want conflict", err)
	}
}

func TestRecover(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	snaps, err := snapshot.Open(t.TempDir(), snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer snaps.Close()
	ctx := context.Background()

	hv1 := hvtest.New()
	hv1.OnBoot = []trigger.Event{listen(80)}
	m1 := NewManager(st, hv1, snaps, Options{ScratchDir: t.TempDir()})
	if _, err := m1.Deploy(ctx, onDemand("od")); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Deploy(ctx, model.MachineSpec{Name: "ao", Image: "nginx", VCPUs: 1, MemoryMiB: 128}); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Deploy(ctx, model.MachineSpec{Name: "off", Image: "nginx", VCPUs: 1, MemoryMiB: 128}); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Stop(ctx, "off"); err != nil {
		t.Fatal(err)
	}
	_, _, ctrls, _ := m1.Instances("od")
	if err := ctrls[0].Activate(ctx); err != nil {
		t.Fatal(err)
	}
	m1.Shutdown(ctx)

	hv2 := hvtest.New()
	m2 := NewManager(st, hv2, snaps, Options{ScratchDir: t.TempDir()})
	defer m2.Shutdown(ctx)
	if err := m2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	od, err := m2.Get(ctx, "od")
	if err != nil {
		t.Fatal(err)
	}
	if od.Status != model.StatusNew {
		t.Errorf("on-demand status = %s, want new", od.Status)
	}
	if _, err := snaps.Lookup(od.Instances[0].Key); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("stale snapshot survived recovery: err = %v", err)
	}

	_, _, ao, _ := m2.Instances("ao")
	waitStatus(t, ao[0], model.StatusReady)

	off, err := m2.Get(ctx, "off")
	if err != nil {
		t.Fatal(err)
	}
	if off.Status != model.StatusStopped || !off.Stopped {
		t.Errorf("stopped machine recovered as %s (stopped=%v)", off.Status, off.Stopped)
	}
}
