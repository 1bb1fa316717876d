package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/flare/internal/machine"
)

// slot tracks the connections and idle timer of one instance controller.
type slot struct {
	ctrl      *machine.Controller
	machineID string

	mu          sync.Mutex
	conns       int
	lastTraffic time.Time
	lastRelease time.Time
	gen         uint64 // bumped to invalidate a pending idle timer
	timer       *time.Timer
	suspending  chan struct{} // non-nil while an idle suspension runs
	removed     bool
}

func newSlot(c *machine.Controller) *slot {
	now := time.Now()
	return &slot{ctrl: c, machineID: c.MachineID(), lastTraffic: now, lastRelease: now}
}

// acquire takes a connection reference and disarms the idle timer. It
// reports false if the slot was retired.
func (s *slot) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.conns++
	s.lastTraffic = time.Now()
	s.disarmLocked()
	return true
}

func (s *slot) disarmLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// pendingSuspend returns a channel closed when the running idle suspension
// ends, or nil.
func (s *slot) pendingSuspend() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspending
}

func (s *slot) load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// idleFor reports whether the slot has had no connections for at least d.
func (s *slot) idleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns == 0 && s.suspending == nil && time.Since(s.lastRelease) >= d
}

// Lease holds one connection reference on a ready instance. Release must be
// called when the connection ends.
type Lease struct {
	// Key is the instance identity key.
	Key string
	// Addr is the guest IP address.
	Addr string

	d        *Dispatcher
	s        *slot
	released atomic.Bool
}

// Touch records traffic on the leased connection.
func (l *Lease) Touch() {
	l.s.mu.Lock()
	l.s.lastTraffic = time.Now()
	l.s.mu.Unlock()
}

// Release drops the connection reference. Later calls are no-ops.
func (l *Lease) Release() {
	if l.released.Swap(true) {
		return
	}
	activeLeases.Dec()
	l.d.release(l.s)
}
