package hypervisor_test

import (
	"testing"

	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/hypervisor/hvtest"
)

func TestRegistryRegisterAndList(t *testing.T) {
	reg := hypervisor.NewRegistry()
	reg.Register("b", hvtest.New())
	reg.Register("a", hvtest.New())

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d backends, want 2", len(list))
	}
	if list[0].Name != "a" || list[1].Name != "b" {
		t.Errorf("List() not sorted: %+v", list)
	}
	if !list[0].Capabilities.Snapshots {
		t.Error("fake backend should report snapshot support")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := hypervisor.NewRegistry()
	fake := hvtest.New()
	reg.Register(hvtest.Name, fake)

	h, err := reg.Resolve(hvtest.Name)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h != hypervisor.Hypervisor(fake) {
		t.Error("Resolve returned a different backend")
	}
	if _, err := reg.Resolve("firecracker"); err == nil {
		t.Error("Resolve of unregistered backend: want error")
	}
}
