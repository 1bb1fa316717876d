package hvtest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/trigger"
)

func TestBootSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	h := New()
	h.OnBoot = []trigger.Event{{Type: trigger.TypeListen, Port: 80}}

	vm, err := h.Boot(ctx, hypervisor.BootSpec{ID: "a"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if e := <-vm.Events(); e.Type != trigger.TypeListen || e.Port != 80 {
		t.Errorf("first event = %+v", e)
	}

	dir := t.TempDir()
	files := hypervisor.SnapshotFiles{
		StatePath:  filepath.Join(dir, "vmstate"),
		MemoryPath: filepath.Join(dir, "memory"),
	}
	if err := vm.Snapshot(ctx, files); err == nil {
		t.Fatal("Snapshot of running VM succeeded")
	}
	vm.Pause(ctx)
	if err := vm.Snapshot(ctx, files); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	vm.Shutdown(ctx)
	if h.Live() != 0 {
		t.Errorf("Live = %d after shutdown", h.Live())
	}

	if _, err := h.Restore(ctx, hypervisor.RestoreSpec{ID: "b", StatePath: files.StatePath, MemoryPath: files.MemoryPath}); err == nil {
		t.Error("Restore under a different identity succeeded")
	}
	if _, err := h.Restore(ctx, hypervisor.RestoreSpec{ID: "a", StatePath: files.StatePath, MemoryPath: files.MemoryPath}); err != nil {
		t.Errorf("Restore: %v", err)
	}
	if h.Boots() != 1 || h.Restores() != 2 || h.Snapshots() != 1 {
		t.Errorf("counters boots=%d restores=%d snapshots=%d", h.Boots(), h.Restores(), h.Snapshots())
	}
}

func TestCapacityAndInjectedFailures(t *testing.T) {
	ctx := context.Background()
	h := New()
	h.MaxLive = 1

	if _, err := h.Boot(ctx, hypervisor.BootSpec{ID: "a"}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if _, err := h.Boot(ctx, hypervisor.BootSpec{ID: "b"}); !errors.Is(err, hypervisor.ErrCapacity) {
		t.Errorf("second Boot = %v, want ErrCapacity", err)
	}

	h.MaxLive = 0
	boom := errors.New("boom")
	h.FailBoots(boom)
	if _, err := h.Boot(ctx, hypervisor.BootSpec{ID: "c"}); !errors.Is(err, boom) {
		t.Errorf("Boot = %v, want injected error", err)
	}
	if _, err := h.Boot(ctx, hypervisor.BootSpec{ID: "c"}); err != nil {
		t.Errorf("Boot after injected failure: %v", err)
	}
}

func TestEmitAfterShutdown(t *testing.T) {
	h := New()
	vm, _ := h.Boot(context.Background(), hypervisor.BootSpec{ID: "a"})
	fake := vm.(*VM)
	fake.Shutdown(context.Background())
	if fake.Emit(trigger.Event{Type: trigger.TypeManualTrigger}) {
		t.Error("Emit on a shut down VM reported success")
	}
	if _, ok := <-vm.Events(); ok {
		t.Error("events channel still open after shutdown")
	}
}
