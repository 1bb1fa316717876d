package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/model"
)

// Status is the outcome of an apply.
type Status string

// Apply outcomes.
const (
	// StatusPending means the document was accepted and instances are
	// still being brought up.
	StatusPending Status = "PENDING"
	// StatusAccepted means the document is fully applied or was unchanged.
	StatusAccepted Status = "ACCEPTED"
	// StatusRejected means the document was refused; Reason says why.
	StatusRejected Status = "REJECTED"
)

// Result reports what an apply did.
type Result struct {
	Status   Status           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Changed  bool             `json:"changed"`
	Machine  *model.Machine   `json:"machine,omitempty"`
	Services []*model.Service `json:"services,omitempty"`
}

func rejected(format string, args ...any) Result {
	return Result{Status: StatusRejected, Reason: fmt.Sprintf(format, args...)}
}

// Machines is the machine surface an Applier drives.
type Machines interface {
	Get(ctx context.Context, ref string) (*model.Machine, error)
	Deploy(ctx context.Context, spec model.MachineSpec) (*model.Machine, error)
	Redeploy(ctx context.Context, ref string, spec model.MachineSpec) (*model.Machine, error)
}

// Services is the service surface an Applier drives.
type Services interface {
	List(ctx context.Context) ([]*model.Service, error)
	Create(ctx context.Context, svc *model.Service) (*model.Service, error)
	Delete(ctx context.Context, id string) error
}

var _ Machines = (*machine.Manager)(nil)

// Applier reconciles deployment documents against running machines.
type Applier struct {
	machines Machines
	services Services
	logger   *slog.Logger
}

// NewApplier returns an applier over machines and services.
func NewApplier(machines Machines, services Services, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{machines: machines, services: services, logger: logger}
}

// Apply brings the machine and services of doc to the described state. A
// document whose machine config hash and services match what is deployed
// is ACCEPTED without touching anything.
func (a *Applier) Apply(ctx context.Context, doc *Document) Result {
	spec := doc.MachineSpec()
	if err := spec.Validate(); err != nil {
		return rejected("invalid machine: %v", err)
	}
	desired := doc.ServiceSpecs()
	seen := make(map[string]bool, len(desired))
	for _, svc := range desired {
		if err := svc.Validate(); err != nil {
			return rejected("invalid service %s: %v", svc.Name, err)
		}
		if seen[svc.Name] {
			return rejected("service %s is listed twice", svc.Name)
		}
		seen[svc.Name] = true
	}

	m, changed, err := a.applyMachine(ctx, spec)
	if err != nil {
		return rejected("%v", err)
	}
	svcs, svcChanged, err := a.applyServices(ctx, spec, desired)
	if err != nil {
		return Result{Status: StatusRejected, Reason: err.Error(), Changed: changed, Machine: m}
	}
	changed = changed || svcChanged

	res := Result{Status: StatusAccepted, Changed: changed, Machine: m, Services: svcs}
	if changed && spec.Mode.Kind == model.ModeAlwaysOn && !m.Stopped && m.Status != model.StatusReady {
		res.Status = StatusPending
	}
	a.logger.Info("deployment applied", "machine", spec.Ref(), "status", res.Status, "changed", changed)
	return res
}

func (a *Applier) applyMachine(ctx context.Context, spec model.MachineSpec) (*model.Machine, bool, error) {
	ref := spec.Ref()
	existing, err := a.machines.Get(ctx, ref)
	switch {
	case errors.Is(err, machine.ErrNotFound):
		m, err := a.machines.Deploy(ctx, spec)
		return m, true, err
	case err != nil:
		return nil, false, err
	case existing.ConfigHash == spec.Hash():
		return existing, false, nil
	}
	m, err := a.machines.Redeploy(ctx, ref, spec)
	return m, true, err
}

// applyServices creates, replaces and deletes the services targeting the
// document's machine until they match desired.
func (a *Applier) applyServices(ctx context.Context, spec model.MachineSpec, desired []*model.Service) ([]*model.Service, bool, error) {
	all, err := a.services.List(ctx)
	if err != nil {
		return nil, false, err
	}
	current := make(map[string]*model.Service)
	for _, svc := range all {
		if svc.Namespace == spec.Namespace && svc.Target.Machine == spec.Name {
			current[svc.Name] = svc
		}
	}

	changed := false
	out := make([]*model.Service, 0, len(desired))
	for _, want := range desired {
		have, ok := current[want.Name]
		delete(current, want.Name)
		if ok && sameService(have, want) {
			out = append(out, have)
			continue
		}
		if ok {
			if err := a.services.Delete(ctx, have.ID); err != nil {
				return nil, changed, fmt.Errorf("replace service %s: %w", want.Name, err)
			}
		}
		created, err := a.services.Create(ctx, want)
		if err != nil {
			return nil, true, fmt.Errorf("create service %s: %w", want.Name, err)
		}
		changed = true
		out = append(out, created)
	}
	for _, stale := range current {
		if err := a.services.Delete(ctx, stale.ID); err != nil {
			return nil, changed, fmt.Errorf("delete service %s: %w", stale.Name, err)
		}
		changed = true
	}
	return out, changed, nil
}

func sameService(a, b *model.Service) bool {
	if a.Target != b.Target || a.Protocol != b.Protocol || a.Mode != b.Mode {
		return false
	}
	if (a.Ingress == nil) != (b.Ingress == nil) {
		return false
	}
	if a.Ingress == nil {
		return true
	}
	return strings.EqualFold(a.Ingress.Host, b.Ingress.Host) &&
		a.Ingress.TLSTermination == b.Ingress.TLSTermination &&
		a.Ingress.Cert == b.Ingress.Cert
}
