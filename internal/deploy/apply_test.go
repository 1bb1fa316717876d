package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/model"
)

type mockMachines struct {
	machines  map[string]*model.Machine
	deploys   int
	redeploys int
	deployErr error
}

func newMockMachines() *mockMachines {
	return &mockMachines{machines: make(map[string]*model.Machine)}
}

func (m *mockMachines) Get(_ context.Context, ref string) (*model.Machine, error) {
	if mm, ok := m.machines[ref]; ok {
		return mm, nil
	}
	return nil, machine.Errorf(machine.KindNotFound, "machine %q not found", ref)
}

func (m *mockMachines) Deploy(_ context.Context, spec model.MachineSpec) (*model.Machine, error) {
	m.deploys++
	if m.deployErr != nil {
		return nil, m.deployErr
	}
	status := model.StatusNew
	mm := &model.Machine{ID: model.NewID(), Spec: spec, Status: status, ConfigHash: spec.Hash()}
	m.machines[spec.Ref()] = mm
	return mm, nil
}

func (m *mockMachines) Redeploy(_ context.Context, ref string, spec model.MachineSpec) (*model.Machine, error) {
	m.redeploys++
	mm := m.machines[ref]
	mm.Spec = spec
	mm.ConfigHash = spec.Hash()
	mm.Status = model.StatusNew
	return mm, nil
}

type mockServices struct {
	svcs    map[string]*model.Service
	creates int
	deletes int
}

func newMockServices() *mockServices {
	return &mockServices{svcs: make(map[string]*model.Service)}
}

func (s *mockServices) List(context.Context) ([]*model.Service, error) {
	out := make([]*model.Service, 0, len(s.svcs))
	for _, svc := range s.svcs {
		out = append(out, svc)
	}
	return out, nil
}

func (s *mockServices) Create(_ context.Context, svc *model.Service) (*model.Service, error) {
	s.creates++
	svc.ID = model.NewID()
	s.svcs[svc.ID] = svc
	return svc, nil
}

func (s *mockServices) Delete(_ context.Context, id string) error {
	s.deletes++
	delete(s.svcs, id)
	return nil
}

const pgDocument = `
name = "pg"
image = "postgres:16"
memory = 512
vcpus = 2

[env]
POSTGRES_PASSWORD = "secret"

[mode]
kind = "on-demand"
snapshot = "net"
idle_timeout_s = 30

[mode.policy]
kind = "nth-listen"
n = 2

[[services]]
name = "pg"
port = 5432
`

func TestParse(t *testing.T) {
	doc, err := Parse("application/toml", []byte(pgDocument))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	spec := doc.MachineSpec()
	if spec.Namespace != model.DefaultNamespace || spec.MemoryMiB != 512 || spec.VCPUs != 2 {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Policy == nil || spec.Policy.Kind != model.PolicyNthListen || spec.Policy.N != 2 {
		t.Errorf("policy = %+v", spec.Policy)
	}
	if spec.Env["POSTGRES_PASSWORD"] != "secret" {
		t.Errorf("env = %v", spec.Env)
	}
	svcs := doc.ServiceSpecs()
	if len(svcs) != 1 || svcs[0].Target.Machine != "pg" || svcs[0].Target.Port != 5432 || svcs[0].Mode != model.ServiceInternal {
		t.Errorf("services = %+v", svcs)
	}

	js := `{"name":"web","image":"nginx","memory":128,"vcpus":1,"mode":{"kind":"always-on"},
		"services":[{"name":"site","port":80,"protocol":"http","host":"web.example.com"}]}`
	doc, err = Parse("application/json; charset=utf-8", []byte(js))
	if err != nil {
		t.Fatalf("Parse(json): %v", err)
	}
	if svc := doc.ServiceSpecs()[0]; svc.Mode != model.ServiceExternal || svc.Ingress.Cert.Kind != model.CertAuto {
		t.Errorf("external service = %+v", svc)
	}

	if _, err := Parse("application/toml", []byte("name = \"x\"\nbogus = 1\n")); err == nil {
		t.Error("unknown TOML field accepted")
	}
	if _, err := Parse("application/json", []byte(`{"name":"x","bogus":1}`)); err == nil {
		t.Error("unknown JSON field accepted")
	}
}

func TestApply(t *testing.T) {
	machines, services := newMockMachines(), newMockServices()
	a := NewApplier(machines, services, nil)
	ctx := context.Background()

	doc, err := Parse("", []byte(pgDocument))
	if err != nil {
		t.Fatal(err)
	}
	res := a.Apply(ctx, doc)
	if res.Status != StatusAccepted || !res.Changed {
		t.Fatalf("first apply = %+v", res)
	}
	if machines.deploys != 1 || services.creates != 1 {
		t.Errorf("deploys/creates = %d/%d, want 1/1", machines.deploys, services.creates)
	}

	res = a.Apply(ctx, doc)
	if res.Status != StatusAccepted || res.Changed {
		t.Fatalf("unchanged apply = %+v", res)
	}
	if machines.deploys != 1 || machines.redeploys != 0 || services.creates != 1 || services.deletes != 0 {
		t.Error("unchanged document touched the deployment")
	}

	doc.MemoryMiB = 1024
	doc.Services[0].Port = 5433
	res = a.Apply(ctx, doc)
	if res.Status != StatusAccepted || !res.Changed {
		t.Fatalf("changed apply = %+v", res)
	}
	if machines.redeploys != 1 || services.deletes != 1 || services.creates != 2 {
		t.Errorf("redeploys/deletes/creates = %d/%d/%d, want 1/1/2",
			machines.redeploys, services.deletes, services.creates)
	}

	doc.Services = nil
	if res := a.Apply(ctx, doc); !res.Changed || len(services.svcs) != 0 {
		t.Errorf("dropping services: changed=%v remaining=%d", res.Changed, len(services.svcs))
	}
}

func TestApplyAlwaysOnIsPending(t *testing.T) {
	a := NewApplier(newMockMachines(), newMockServices(), nil)
	doc := &Document{Name: "web", Image: "nginx", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeAlwaysOn}}
	if res := a.Apply(context.Background(), doc); res.Status != StatusPending {
		t.Errorf("status = %s, want %s", res.Status, StatusPending)
	}
}

func TestApplyRejects(t *testing.T) {
	tests := []struct {
		name   string
		doc    Document
		deploy error
		reason string
	}{
		{
			name:   "invalid machine",
			doc:    Document{Name: "Bad Name", Image: "x", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeOnDemand}},
			reason: "invalid machine",
		},
		{
			name: "duplicate service",
			doc: Document{Name: "ok", Image: "x", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeOnDemand},
				Services: []ServiceDoc{{Name: "a", Port: 80}, {Name: "a", Port: 81}}},
			reason: "listed twice",
		},
		{
			name: "invalid service",
			doc: Document{Name: "ok", Image: "x", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeOnDemand},
				Services: []ServiceDoc{{Name: "a", Port: 70000}}},
			reason: "invalid service",
		},
		{
			name:   "deploy failure",
			doc:    Document{Name: "ok", Image: "x", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeOnDemand}},
			deploy: machine.Errorf(machine.KindResourceUnavailable, "node is full"),
			reason: "node is full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machines := newMockMachines()
			machines.deployErr = tt.deploy
			a := NewApplier(machines, newMockServices(), nil)
			res := a.Apply(context.Background(), &tt.doc)
			if res.Status != StatusRejected {
				t.Fatalf("status = %s, want rejected", res.Status)
			}
			if !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to mention %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestApplyPropagatesLookupErrors(t *testing.T) {
	boom := errors.New("database is locked")
	a := NewApplier(failingMachines{mockMachines: newMockMachines(), err: boom}, newMockServices(), nil)
	doc := &Document{Name: "ok", Image: "x", MemoryMiB: 128, VCPUs: 1, Mode: ModeDoc{Kind: model.ModeOnDemand}}
	res := a.Apply(context.Background(), doc)
	if res.Status != StatusRejected || !strings.Contains(res.Reason, "database is locked") {
		t.Errorf("result = %+v", res)
	}
}

type failingMachines struct {
	*mockMachines
	err error
}

func (f failingMachines) Get(context.Context, string) (*model.Machine, error) {
	return nil, f.err
}
