package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flare/internal/console"
	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/store"
	"github.com/seantiz/flare/internal/telemetry"
)

// Defaults applied to zero Options fields.
const (
	DefaultFlashLockWait = 30 * time.Second
	DefaultBootTimeout   = 2 * time.Minute
)

// Options configures a Manager.
type Options struct {
	// FlashLockWait bounds how long a snapshot waits for flash locks.
	FlashLockWait time.Duration
	// BootTimeout bounds how long a cold boot waits for its trigger. Manual
	// policies are not bounded.
	BootTimeout time.Duration
	// ScratchDir receives decompressed snapshot files during restores.
	ScratchDir string

	MaxVCPUs     int
	MaxMemoryMiB int

	// ResolveImage maps an image reference to a root filesystem path.
	ResolveImage func(ctx context.Context, image string) (string, error)

	Logger *slog.Logger
	Events events.Publisher
	Broker *console.Broker
}

// Manager owns every deployed machine and its instance controllers.
type Manager struct {
	rt     *runtime
	store  store.Store
	broker *console.Broker
	events events.Publisher
	logger *slog.Logger

	machines sync.Map // machine ID → *entry
	logSeq   sync.Map // machine ID → *atomic.Int64

	mu      sync.Mutex
	names   map[string]string // namespace/name → machine ID
	removed []func(id string)

	bg sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	machine model.Machine
	slots   map[int]*Controller
	deleted bool
}

// controllers returns the entry's controllers ordered by slot. Callers hold mu.
func (e *entry) controllers() []*Controller {
	out := make([]*Controller, 0, len(e.slots))
	for _, c := range e.slots {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// NewManager returns a manager persisting to st and running instances on hv.
func NewManager(st store.Store, hv hypervisor.Hypervisor, snaps *snapshot.Store, opts Options) *Manager {
	if opts.FlashLockWait <= 0 {
		opts.FlashLockWait = DefaultFlashLockWait
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Broker == nil {
		opts.Broker = console.NewBroker(console.DefaultTailSize)
	}

	m := &Manager{
		store:  st,
		broker: opts.Broker,
		events: opts.Events,
		logger: opts.Logger,
		names:  make(map[string]string),
	}
	m.rt = &runtime{
		hv:      hv,
		snaps:   snaps,
		budget:  NewBudget(opts.MaxVCPUs, opts.MaxMemoryMiB),
		opts:    opts,
		logger:  opts.Logger,
		tracer:  telemetry.Tracer(),
		rootfs:  opts.ResolveImage,
		persist: m.persist,
		publish: m.publish,
		console: m.consoleWriter,
	}
	return m
}

// Broker returns the console broker machines publish their output to. Topics
// are machine IDs.
func (m *Manager) Broker() *console.Broker {
	return m.broker
}

// Budget returns the node resource budget.
func (m *Manager) Budget() *Budget {
	return m.rt.budget
}

// Hypervisor returns the hypervisor instances run on.
func (m *Manager) Hypervisor() hypervisor.Hypervisor {
	return m.rt.hv
}

// OnRemove registers fn to be called with the ID of every machine that is
// deleted or redeployed.
func (m *Manager) OnRemove(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, fn)
}

func (m *Manager) notifyRemoved(id string) {
	m.mu.Lock()
	hooks := append([]func(string){}, m.removed...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (m *Manager) persist(in model.Instance) {
	if err := m.store.PutInstance(context.Background(), &in); err != nil {
		m.logger.Error("failed to persist instance", "instance", in.Key, "error", err)
	}
}

func (m *Manager) publish(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := m.events.Publish(context.Background(), e); err != nil {
		m.logger.Warn("failed to publish event", "type", e.Type, "machine", e.Machine, "error", err)
	}
}

// consoleWriter dual-writes guest output: persisted for GetLogs, then
// published for live streaming.
func (m *Manager) consoleWriter(machineID, key string) *console.LineWriter {
	v, _ := m.logSeq.LoadOrStore(machineID, new(atomic.Int64))
	seq := v.(*atomic.Int64)
	return console.NewLineWriter(func(line string) {
		n := int(seq.Add(1) - 1)
		if err := m.store.InsertLogLine(context.Background(), machineID, key, n, line); err != nil {
			m.logger.Error("failed to persist log line", "machine", machineID, "instance", key, "seq", n, "error", err)
		}
		m.broker.Publish(machineID, line)
	})
}

func nameKey(namespace, name string) string {
	return namespace + "/" + name
}

// resolve finds a machine by ID, "namespace/name" or a name in the default
// namespace.
func (m *Manager) resolve(ref string) (*entry, error) {
	if v, ok := m.machines.Load(ref); ok {
		return v.(*entry), nil
	}
	key := ref
	if !strings.Contains(ref, "/") {
		key = nameKey(model.DefaultNamespace, ref)
	}
	m.mu.Lock()
	id, ok := m.names[key]
	m.mu.Unlock()
	if ok {
		if v, ok := m.machines.Load(id); ok {
			return v.(*entry), nil
		}
	}
	return nil, Errorf(KindNotFound, "machine %q not found", ref)
}

// Resolve returns the ID of the machine ref names.
func (m *Manager) Resolve(ref string) (string, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.ID, nil
}

func (m *Manager) info(e *entry) *model.Machine {
	e.mu.Lock()
	mach := e.machine
	ctrls := e.controllers()
	e.mu.Unlock()

	mach.Instances = make([]model.Instance, 0, len(ctrls))
	for _, c := range ctrls {
		mach.Instances = append(mach.Instances, c.Info())
	}
	mach.Status = model.AggregateStatus(mach.Instances)
	return &mach
}

func alwaysOn(spec model.MachineSpec) bool {
	return spec.Mode.Kind == model.ModeAlwaysOn
}

// validate normalizes spec and checks it against the node budget. Budget
// held by own, which the caller is about to stop, counts as free.
func (m *Manager) validate(spec *model.MachineSpec, own []*Controller) error {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return &Error{Kind: KindInvalidSpec, Msg: "invalid machine spec: " + err.Error(), Err: err}
	}
	if !alwaysOn(*spec) {
		if !m.rt.budget.Fits(spec.VCPUs, spec.MemoryMiB) {
			return Errorf(KindResourceUnavailable, "machine %s needs %d vcpus and %d MiB, more than the node budget",
				spec.Ref(), spec.VCPUs, spec.MemoryMiB)
		}
		return nil
	}
	// Always-on instances reserve right away, so they must fit in what is
	// still free.
	n := int64(spec.InitialSlots())
	vcpus, mem := int64(spec.VCPUs)*n, int64(spec.MemoryMiB)*n
	var heldVCPUs, heldMem int64
	for _, c := range own {
		if c.holdsBudget() {
			heldVCPUs += int64(c.spec.VCPUs)
			heldMem += int64(c.spec.MemoryMiB)
		}
	}
	if !m.rt.budget.Available(vcpus-heldVCPUs, mem-heldMem) {
		used, usedMem := m.rt.budget.Usage()
		return Errorf(KindResourceUnavailable, "machine %s needs %d vcpus and %d MiB, %d vcpus and %d MiB already reserved",
			spec.Ref(), vcpus, mem, used, usedMem)
	}
	return nil
}

// Deploy validates spec and creates a machine with NEW instances. Always-on
// machines are started in the background. A stopped machine of the same name
// is replaced.
func (m *Manager) Deploy(ctx context.Context, spec model.MachineSpec) (*model.Machine, error) {
	if err := m.validate(&spec, nil); err != nil {
		return nil, err
	}

	if old, err := m.resolve(nameKey(spec.Namespace, spec.Name)); err == nil {
		old.mu.Lock()
		oldID, stopped := old.machine.ID, old.machine.Stopped
		old.mu.Unlock()
		if !stopped {
			return nil, Errorf(KindInvalidSpec, "machine %s already exists", spec.Ref())
		}
		if err := m.Delete(ctx, oldID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	rec := model.Machine{
		ID:         model.NewID(),
		Spec:       spec,
		ConfigHash: spec.Hash(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateMachine(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Errorf(KindInvalidSpec, "machine %s already exists", spec.Ref())
		}
		return nil, Errorf(KindInternal, "create machine: %w", err)
	}

	e := &entry{machine: rec, slots: make(map[int]*Controller)}
	for slot := range spec.InitialSlots() {
		e.slots[slot] = m.newInstance(rec.ID, spec, slot, model.StatusNew)
	}
	m.register(e)

	m.logger.Info("machine deployed", "machine", rec.ID, "name", spec.Ref(), "mode", spec.Mode.Kind, "slots", len(e.slots))
	m.publish(events.Event{Type: events.TypeDeployed, Machine: rec.ID, Message: spec.Ref()})
	m.autostart(e)
	return m.info(e), nil
}

func (m *Manager) register(e *entry) {
	m.machines.Store(e.machine.ID, e)
	m.mu.Lock()
	m.names[nameKey(e.machine.Spec.Namespace, e.machine.Spec.Name)] = e.machine.ID
	m.mu.Unlock()
}

func (m *Manager) newInstance(machineID string, spec model.MachineSpec, slot int, status string) *Controller {
	c := newController(m.rt, machineID, spec, slot, status, "")
	m.persist(c.Info())
	return c
}

// autostart activates the instances of an always-on machine in the
// background.
func (m *Manager) autostart(e *entry) {
	e.mu.Lock()
	spec, stopped := e.machine.Spec, e.machine.Stopped
	ctrls := e.controllers()
	e.mu.Unlock()
	if !alwaysOn(spec) || stopped {
		return
	}
	for _, c := range ctrls {
		m.bg.Go(func() {
			if err := c.Activate(context.Background()); err != nil {
				m.logger.Error("always-on instance failed to start", "instance", c.Key(), "kind", KindOf(err), "error", err)
				var e *Error
				if errors.As(err, &e) && e.Kind == KindResourceUnavailable {
					c.record(e)
				}
			}
		})
	}
}

// Get returns a machine by ID or name.
func (m *Manager) Get(_ context.Context, ref string) (*model.Machine, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	return m.info(e), nil
}

// List returns every machine ordered by namespace and name.
func (m *Manager) List(_ context.Context) ([]*model.Machine, error) {
	var out []*model.Machine
	m.machines.Range(func(_, v any) bool {
		out = append(out, m.info(v.(*entry)))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Spec.Ref() < out[j].Spec.Ref()
	})
	return out, nil
}

// Delete stops every instance of a machine and removes its snapshots,
// records and log stream.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	e, err := m.resolve(ref)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return Errorf(KindNotFound, "machine %q not found", ref)
	}
	e.deleted = true
	rec := e.machine
	ctrls := e.controllers()
	e.mu.Unlock()

	m.machines.Delete(rec.ID)
	m.mu.Lock()
	if m.names[nameKey(rec.Spec.Namespace, rec.Spec.Name)] == rec.ID {
		delete(m.names, nameKey(rec.Spec.Namespace, rec.Spec.Name))
	}
	m.mu.Unlock()
	m.notifyRemoved(rec.ID)

	stopAll(ctx, ctrls)
	if err := m.store.DeleteMachine(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Errorf(KindInternal, "delete machine %s: %w", rec.ID, err)
	}
	m.broker.Close(rec.ID)
	m.logSeq.Delete(rec.ID)

	m.logger.Info("machine deleted", "machine", rec.ID, "name", rec.Spec.Ref())
	m.publish(events.Event{Type: events.TypeDeleted, Machine: rec.ID, Message: rec.Spec.Ref()})
	return nil
}

// stopAll stops controllers in parallel. Controller.Stop does not fail.
func stopAll(ctx context.Context, ctrls []*Controller) {
	var g errgroup.Group
	for _, c := range ctrls {
		g.Go(func() error { return c.Stop(ctx) })
	}
	g.Wait()
}

// Start clears the stopped flag of a machine and returns stopped or failed
// instances to NEW. Always-on instances are booted in the background;
// on-demand ones wait for activation.
func (m *Manager) Start(ctx context.Context, ref string) (*model.Machine, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := m.setStopped(ctx, e, false); err != nil {
		return nil, err
	}

	e.mu.Lock()
	ctrls := e.controllers()
	e.mu.Unlock()
	for _, c := range ctrls {
		if err := c.Reset(ctx); err != nil {
			return nil, err
		}
	}
	m.autostart(e)
	return m.info(e), nil
}

// Stop marks a machine stopped and stops every instance. Stopping a stopped
// machine is a no-op.
func (m *Manager) Stop(ctx context.Context, ref string) (*model.Machine, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := m.setStopped(ctx, e, true); err != nil {
		return nil, err
	}

	e.mu.Lock()
	ctrls := e.controllers()
	e.mu.Unlock()
	stopAll(ctx, ctrls)
	return m.info(e), nil
}

func (m *Manager) setStopped(ctx context.Context, e *entry, stopped bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Stopped == stopped {
		return nil
	}
	rec := e.machine
	rec.Stopped = stopped
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateMachine(ctx, &rec); err != nil {
		return Errorf(KindInternal, "update machine %s: %w", rec.ID, err)
	}
	e.machine = rec
	return nil
}

// Stopped reports whether the operator stopped the machine.
func (m *Manager) Stopped(ref string) (bool, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Stopped, nil
}

// Redeploy replaces the spec of an existing machine. Its instances are
// stopped and recreated as NEW under the new spec.
func (m *Manager) Redeploy(ctx context.Context, ref string, spec model.MachineSpec) (*model.Machine, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	own := e.controllers()
	e.mu.Unlock()
	if err := m.validate(&spec, own); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, Errorf(KindNotFound, "machine %q not found", ref)
	}
	if spec.Namespace != e.machine.Spec.Namespace || spec.Name != e.machine.Spec.Name {
		e.mu.Unlock()
		return nil, Errorf(KindInvalidSpec, "redeploy cannot rename machine %s", e.machine.Spec.Ref())
	}
	rec := e.machine
	rec.Spec = spec
	rec.ConfigHash = spec.Hash()
	rec.Stopped = false
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateMachine(ctx, &rec); err != nil {
		e.mu.Unlock()
		return nil, Errorf(KindInternal, "update machine %s: %w", rec.ID, err)
	}
	old := e.controllers()
	e.machine = rec
	e.slots = make(map[int]*Controller)
	e.mu.Unlock()

	m.notifyRemoved(rec.ID)
	stopAll(ctx, old)

	e.mu.Lock()
	for _, c := range old {
		if c.slot >= spec.InitialSlots() {
			if err := m.store.DeleteInstance(ctx, c.Key()); err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn("failed to delete instance record", "instance", c.Key(), "error", err)
			}
		}
	}
	for slot := range spec.InitialSlots() {
		e.slots[slot] = m.newInstance(rec.ID, spec, slot, model.StatusNew)
	}
	e.mu.Unlock()

	m.logger.Info("machine redeployed", "machine", rec.ID, "name", spec.Ref(), "config_hash", rec.ConfigHash)
	m.publish(events.Event{Type: events.TypeDeployed, Machine: rec.ID, Message: spec.Ref()})
	m.autostart(e)
	return m.info(e), nil
}

// Instances returns the spec, stopped flag and controllers of a machine,
// ordered by slot.
func (m *Manager) Instances(ref string) (model.MachineSpec, bool, []*Controller, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return model.MachineSpec{}, false, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Spec, e.machine.Stopped, e.controllers(), nil
}

// AddSlot creates a NEW instance in the lowest free slot of an auto-scaled
// machine.
func (m *Manager) AddSlot(_ context.Context, ref string) (*Controller, error) {
	e, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, Errorf(KindNotFound, "machine %q not found", ref)
	}
	spec := e.machine.Spec
	if len(e.slots) >= spec.MaxSlots() {
		return nil, Errorf(KindResourceUnavailable, "machine %s already runs %d of %d slots",
			spec.Ref(), len(e.slots), spec.MaxSlots())
	}
	slot := 0
	for e.slots[slot] != nil {
		slot++
	}
	c := m.newInstance(e.machine.ID, spec, slot, model.StatusNew)
	e.slots[slot] = c

	m.logger.Info("machine scaled up", "machine", e.machine.ID, "slot", slot, "slots", len(e.slots))
	m.publish(events.Event{Type: events.TypeScaled, Machine: e.machine.ID, Instance: c.Key(),
		Message: fmt.Sprintf("%d slots", len(e.slots))})
	return c, nil
}

// RemoveSlot stops and removes one instance of a machine, keeping at least
// the machine's initial slots.
func (m *Manager) RemoveSlot(ctx context.Context, ref string, slot int) error {
	e, err := m.resolve(ref)
	if err != nil {
		return err
	}
	e.mu.Lock()
	c, ok := e.slots[slot]
	if !ok {
		e.mu.Unlock()
		return Errorf(KindNotFound, "machine %q has no slot %d", ref, slot)
	}
	if len(e.slots) <= e.machine.Spec.InitialSlots() {
		e.mu.Unlock()
		return Errorf(KindConflict, "machine %s is at its minimum of %d slots", e.machine.Spec.Ref(), len(e.slots))
	}
	delete(e.slots, slot)
	id, remaining := e.machine.ID, len(e.slots)
	e.mu.Unlock()

	c.Stop(ctx)
	if err := m.store.DeleteInstance(ctx, c.Key()); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("failed to delete instance record", "instance", c.Key(), "error", err)
	}
	m.logger.Info("machine scaled down", "machine", id, "slot", slot, "slots", remaining)
	m.publish(events.Event{Type: events.TypeScaled, Machine: id, Instance: c.Key(),
		Message: fmt.Sprintf("%d slots", remaining)})
	return nil
}

// Logs returns up to limit recent console lines of a machine. Persisted lines
// are preferred; the in-memory tail serves when none were persisted.
func (m *Manager) Logs(ctx context.Context, ref string, limit int) ([]string, error) {
	id, err := m.Resolve(ref)
	if err != nil {
		return nil, err
	}
	lines, err := m.store.GetLogLines(ctx, id, limit)
	if err != nil {
		return nil, Errorf(KindInternal, "get log lines: %w", err)
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Line)
	}
	if len(out) == 0 {
		out = m.broker.Tail(id)
		if limit > 0 && len(out) > limit {
			out = out[len(out)-limit:]
		}
	}
	return out, nil
}

// Snapshot sends the manual trigger to every running or ready instance of a
// machine: instances waiting on a manual policy become READY, ready instances
// are re-snapshotted.
func (m *Manager) Snapshot(ctx context.Context, ref string) error {
	e, err := m.resolve(ref)
	if err != nil {
		return err
	}
	e.mu.Lock()
	spec := e.machine.Spec
	ctrls := e.controllers()
	e.mu.Unlock()

	if !spec.SnapshotsEnabled() {
		return Errorf(KindInvalidSpec, "machine %s does not take snapshots", spec.Ref())
	}
	var errs []error
	triggered := 0
	for _, c := range ctrls {
		switch c.Status() {
		case model.StatusRunning, model.StatusReady:
			triggered++
			if err := c.Trigger(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if triggered == 0 {
		return Errorf(KindConflict, "machine %s has no running instance", spec.Ref())
	}
	return errors.Join(errs...)
}

// Recover loads persisted machines after a restart. Hypervisor contexts do
// not survive the daemon, so instances of running machines come back NEW and
// their snapshots are discarded; always-on machines are started again.
func (m *Manager) Recover(ctx context.Context) error {
	machines, err := m.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	for _, rec := range machines {
		records, err := m.store.ListInstances(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("list instances of %s: %w", rec.ID, err)
		}
		for _, in := range records {
			if err := m.rt.snaps.Delete(ctx, in.Key); err != nil {
				m.logger.Warn("failed to discard snapshot", "instance", in.Key, "error", err)
			}
			if _, _, slot, err := model.ParseInstanceKey(in.Key); err != nil || slot >= rec.Spec.InitialSlots() {
				m.store.DeleteInstance(ctx, in.Key)
			}
		}

		status := model.StatusNew
		if rec.Stopped {
			status = model.StatusStopped
		}
		e := &entry{machine: *rec, slots: make(map[int]*Controller)}
		for slot := range rec.Spec.InitialSlots() {
			c := newController(m.rt, rec.ID, rec.Spec, slot, status, "")
			if err := m.rt.hv.Release(ctx, c.vmID); err != nil {
				m.logger.Warn("failed to release hypervisor resources", "instance", c.Key(), "error", err)
			}
			m.persist(c.Info())
			e.slots[slot] = c
		}
		m.register(e)
		m.autostart(e)
	}
	m.logger.Info("machines recovered", "count", len(machines))
	return nil
}

// Shutdown stops every instance and waits for background starts to finish.
// Machine records keep their stopped flag so Recover can bring them back.
func (m *Manager) Shutdown(ctx context.Context) {
	var ctrls []*Controller
	m.machines.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		ctrls = append(ctrls, e.controllers()...)
		e.mu.Unlock()
		return true
	})
	stopAll(ctx, ctrls)
	m.bg.Wait()
}
