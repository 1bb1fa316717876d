// Package dispatch turns activation requests into leases on ready machine
// instances. It coalesces concurrent activations of an identity into one
// operation, suspends idle instances and scales auto-scaled machines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/model"
)

// Defaults applied to zero Options fields.
const (
	DefaultIdleTimeout       = 10 * time.Second
	DefaultTrafficInactivity = 5 * time.Second
	DefaultRetries           = 3
	DefaultRetryBackoff      = 100 * time.Millisecond
)

// pickAttempts bounds how often Activate re-selects after racing a slot
// retirement.
const pickAttempts = 3

// Options configures a Dispatcher.
type Options struct {
	// IdleTimeout applies to machines that do not set their own.
	IdleTimeout time.Duration
	// TrafficInactivity is the window in which traffic on an open
	// connection defers suspension of machines allowing idle connections.
	TrafficInactivity time.Duration
	// Retries bounds how often a resource shortage is retried. Negative
	// disables retries.
	Retries      int
	RetryBackoff time.Duration
	// ReapInterval is how often idle auto-scaled slots are retired.
	// Defaults to IdleTimeout.
	ReapInterval time.Duration
	Logger       *slog.Logger
}

// Dispatcher routes activations to machine instances.
type Dispatcher struct {
	machines *machine.Manager
	opts     Options
	logger   *slog.Logger

	ops   sync.Map // instance key → *op
	slots sync.Map // *machine.Controller → *slot
	rr    sync.Map // machine ID → *atomic.Uint64
	scale sync.Map // machine ID → *sync.Mutex

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a dispatcher over the machines of mgr and starts its reaper.
func New(mgr *machine.Manager, opts Options) *Dispatcher {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TrafficInactivity <= 0 {
		opts.TrafficInactivity = DefaultTrafficInactivity
	}
	switch {
	case opts.Retries == 0:
		opts.Retries = DefaultRetries
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.IdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		machines: mgr,
		opts:     opts,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
	}
	mgr.OnRemove(d.forget)
	d.wg.Go(d.reap)
	return d
}

// Close stops the reaper and every idle timer.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
		d.slots.Range(func(_, v any) bool {
			s := v.(*slot)
			s.mu.Lock()
			s.removed = true
			s.disarmLocked()
			s.mu.Unlock()
			return true
		})
	})
}

// Activate returns a lease on a READY instance of the machine ref names,
// booting or restoring one if needed. The lease must be released when the
// connection it serves ends.
func (d *Dispatcher) Activate(ctx context.Context, ref string) (lease *Lease, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(machine.KindOf(err))
		}
		activationsTotal.WithLabelValues(result).Inc()
		if err == nil {
			activationDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for range pickAttempts {
		c, err := d.pick(ctx, ref)
		if err != nil {
			return nil, err
		}
		s := d.slotFor(c)
		if !s.acquire() {
			continue
		}
		if err := d.await(ctx, c, s); err != nil {
			d.release(s)
			return nil, err
		}
		if c.Spec().Mode.AllowIdleConnection {
			s.mu.Lock()
			d.armLocked(s, d.idleTimeout(c.Spec()))
			s.mu.Unlock()
		}
		activeLeases.Inc()
		return &Lease{Key: c.Key(), Addr: c.IP(), d: d, s: s}, nil
	}
	return nil, machine.Errorf(machine.KindConflict, "machine %s kept retiring instances during activation", ref)
}

// await blocks until c is READY and no idle suspension is pending on it.
func (d *Dispatcher) await(ctx context.Context, c *machine.Controller, s *slot) error {
	for {
		wait := s.pendingSuspend()
		if wait == nil && c.Status() == model.StatusReady {
			return nil
		}
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return fmt.Errorf("wait for instance %s: %w", c.Key(), ctx.Err())
			}
		}
		if err := d.join(ctx, c, s); err != nil {
			return err
		}
	}
}

// join runs or joins the single pending operation of c's identity.
// The operation is detached from ctx; abandoning the wait does not cancel it.
func (d *Dispatcher) join(ctx context.Context, c *machine.Controller, s *slot) error {
	o := &op{}
	v, loaded := d.ops.LoadOrStore(c.Key(), o)
	o = v.(*op)
	ch := o.join()
	if loaded {
		coalescedTotal.Inc()
	} else {
		go d.run(c, s, o)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for instance %s: %w", c.Key(), ctx.Err())
	}
}

func (d *Dispatcher) run(c *machine.Controller, s *slot, o *op) {
	err := d.activate(c, s)
	d.ops.CompareAndDelete(c.Key(), o)
	if err != nil {
		d.logger.Warn("activation failed", "instance", c.Key(), "kind", machine.KindOf(err), "waiters", o.pending(), "error", err)
	}
	o.finish(err)
}

// activate brings c to READY, retrying resource shortages with exponential
// backoff. Stopped instances of running machines are armed again first.
func (d *Dispatcher) activate(c *machine.Controller, s *slot) error {
	ctx := context.Background()
	if c.Status() == model.StatusStopped {
		s.mu.Lock()
		removed := s.removed
		s.mu.Unlock()
		stopped, err := d.machines.Stopped(c.MachineID())
		if err != nil {
			return err
		}
		if stopped || removed {
			return machine.Errorf(machine.KindMachineStopping, "instance %s is stopped", c.Key())
		}
		if err := c.Reset(ctx); err != nil {
			return err
		}
	}

	backoff := d.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := c.Activate(ctx)
		if err == nil || !machine.Retryable(err) || attempt >= d.opts.Retries {
			return err
		}
		activationRetriesTotal.Inc()
		d.logger.Info("retrying activation", "instance", c.Key(), "attempt", attempt+1, "backoff", backoff, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-d.stop:
			t.Stop()
			return err
		}
		backoff *= 2
	}
}

// pick selects the instance an activation of ref is served by.
func (d *Dispatcher) pick(ctx context.Context, ref string) (*machine.Controller, error) {
	spec, stopped, ctrls, err := d.machines.Instances(ref)
	if err != nil {
		return nil, err
	}
	if stopped {
		return nil, machine.Errorf(machine.KindMachineStopping, "machine %s is stopped", spec.Ref())
	}

	live := liveInstances(ctrls)
	if len(live) == 0 {
		for _, c := range ctrls {
			if err := c.LastError(); err != nil {
				return nil, err
			}
		}
		return nil, machine.Errorf(machine.KindMachineStopping, "machine %s has no live instances", spec.Ref())
	}

	if spec.Scaling.Kind == model.ScalingAuto {
		if c := d.scaleUp(ctx, ref); c != nil {
			return c, nil
		}
	}
	return d.leastLoaded(live[0].MachineID(), live), nil
}

func liveInstances(ctrls []*machine.Controller) []*machine.Controller {
	live := make([]*machine.Controller, 0, len(ctrls))
	for _, c := range ctrls {
		switch c.Status() {
		case model.StatusError, model.StatusStopping:
		default:
			live = append(live, c)
		}
	}
	return live
}

// leastLoaded returns the instance with the fewest connections, breaking ties
// round-robin.
func (d *Dispatcher) leastLoaded(machineID string, live []*machine.Controller) *machine.Controller {
	best := -1
	var ties []*machine.Controller
	for _, c := range live {
		n := d.slotFor(c).load()
		switch {
		case best < 0 || n < best:
			best = n
			ties = append(ties[:0], c)
		case n == best:
			ties = append(ties, c)
		}
	}
	v, _ := d.rr.LoadOrStore(machineID, new(atomic.Uint64))
	next := v.(*atomic.Uint64).Add(1) - 1
	return ties[next%uint64(len(ties))]
}

// scaleUp adds a slot when every live instance of an auto-scaled machine is
// serving connections. It returns the new instance, or nil.
func (d *Dispatcher) scaleUp(ctx context.Context, ref string) *machine.Controller {
	id, err := d.machines.Resolve(ref)
	if err != nil {
		return nil
	}
	v, _ := d.scale.LoadOrStore(id, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	spec, _, ctrls, err := d.machines.Instances(id)
	if err != nil || len(ctrls) >= spec.MaxSlots() {
		return nil
	}
	live := liveInstances(ctrls)
	for _, c := range live {
		if d.slotFor(c).load() == 0 {
			return nil
		}
	}

	c, err := d.machines.AddSlot(ctx, id)
	if err != nil {
		d.logger.Warn("scale up failed", "machine", id, "error", err)
		return nil
	}
	scaleEventsTotal.WithLabelValues("up").Inc()
	d.logger.Info("scaled up", "machine", id, "slot", c.Slot(), "slots", len(ctrls)+1)
	return c
}

func (d *Dispatcher) slotFor(c *machine.Controller) *slot {
	if v, ok := d.slots.Load(c); ok {
		return v.(*slot)
	}
	v, _ := d.slots.LoadOrStore(c, newSlot(c))
	return v.(*slot)
}

// Connections returns the number of leases held on the instance with key.
func (d *Dispatcher) Connections(key string) int {
	n := 0
	d.slots.Range(func(k, v any) bool {
		if k.(*machine.Controller).Key() == key {
			n += v.(*slot).load()
		}
		return true
	})
	return n
}

// release drops a connection reference and arms the idle timer when the
// instance may be suspended.
func (d *Dispatcher) release(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns > 0 {
		s.conns--
	}
	s.lastRelease = time.Now()
	spec := s.ctrl.Spec()
	if s.conns == 0 || spec.Mode.AllowIdleConnection {
		d.armLocked(s, d.idleTimeout(spec))
	}
}

func (d *Dispatcher) idleTimeout(spec model.MachineSpec) time.Duration {
	if spec.Mode.IdleTimeoutS > 0 {
		return time.Duration(spec.Mode.IdleTimeoutS) * time.Second
	}
	return d.opts.IdleTimeout
}

// armLocked (re)starts the idle timer of s. Callers hold s.mu.
func (d *Dispatcher) armLocked(s *slot, after time.Duration) {
	spec := s.ctrl.Spec()
	if s.removed || !spec.SnapshotsEnabled() {
		return
	}
	s.disarmLocked()
	gen := s.gen
	s.timer = time.AfterFunc(after, func() { d.idle(s, gen) })
}

// idle suspends the instance of s if the timer of generation gen is still
// current and the instance is unused.
func (d *Dispatcher) idle(s *slot, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.conns > 0 {
		if !s.ctrl.Spec().Mode.AllowIdleConnection {
			s.mu.Unlock()
			return
		}
		if quiet := time.Since(s.lastTraffic); quiet < d.opts.TrafficInactivity {
			d.armLocked(s, d.opts.TrafficInactivity-quiet)
			s.mu.Unlock()
			return
		}
	}
	s.disarmLocked()
	done := make(chan struct{})
	s.suspending = done
	s.mu.Unlock()

	var err error
	if s.ctrl.Status() == model.StatusReady {
		err = s.ctrl.Suspend(context.Background())
		switch {
		case err == nil:
			idleSuspensionsTotal.WithLabelValues("ok").Inc()
			d.logger.Info("instance suspended after idle timeout", "instance", s.ctrl.Key())
		case errors.Is(err, machine.ErrSnapshotBlocked):
			idleSuspensionsTotal.WithLabelValues("blocked").Inc()
		default:
			idleSuspensionsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("idle suspension failed", "instance", s.ctrl.Key(), "error", err)
		}
	}

	s.mu.Lock()
	s.suspending = nil
	close(done)
	if errors.Is(err, machine.ErrSnapshotBlocked) && (s.conns == 0 || s.ctrl.Spec().Mode.AllowIdleConnection) {
		d.armLocked(s, d.idleTimeout(s.ctrl.Spec()))
	}
	s.mu.Unlock()
}

// forget drops the routing state of a deleted or redeployed machine.
func (d *Dispatcher) forget(machineID string) {
	d.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		if s.machineID != machineID {
			return true
		}
		s.mu.Lock()
		s.removed = true
		s.disarmLocked()
		s.mu.Unlock()
		d.slots.Delete(k)
		return true
	})
	d.rr.Delete(machineID)
	d.scale.Delete(machineID)
}

func (d *Dispatcher) reap() {
	t := time.NewTicker(d.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.Reap(context.Background())
		}
	}
}

// Reap retires auto-scaled slots above the minimum that have served no
// connection for the idle timeout.
func (d *Dispatcher) Reap(ctx context.Context) {
	machines, err := d.machines.List(ctx)
	if err != nil {
		d.logger.Error("list machines for reaping", "error", err)
		return
	}

	var g errgroup.Group
	for _, m := range machines {
		if m.Spec.Scaling.Kind != model.ScalingAuto || m.Stopped {
			continue
		}
		_, _, ctrls, err := d.machines.Instances(m.ID)
		if err != nil {
			continue
		}
		timeout := d.idleTimeout(m.Spec)
		for _, c := range ctrls {
			if c.Slot() < m.Spec.Scaling.Min {
				continue
			}
			s := d.slotFor(c)
			if !s.idleFor(timeout) {
				continue
			}
			g.Go(func() error { return d.retire(ctx, m.ID, s) })
		}
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("slot retirement failed", "error", err)
	}
}

func (d *Dispatcher) retire(ctx context.Context, machineID string, s *slot) error {
	s.mu.Lock()
	if s.conns > 0 || s.removed {
		s.mu.Unlock()
		return nil
	}
	s.removed = true
	s.disarmLocked()
	s.mu.Unlock()

	if err := d.machines.RemoveSlot(ctx, machineID, s.ctrl.Slot()); err != nil {
		s.mu.Lock()
		s.removed = false
		s.mu.Unlock()
		return fmt.Errorf("retire %s: %w", s.ctrl.Key(), err)
	}
	d.slots.Delete(s.ctrl)
	scaleEventsTotal.WithLabelValues("down").Inc()
	d.logger.Info("scaled down", "machine", machineID, "slot", s.ctrl.Slot())
	return nil
}
