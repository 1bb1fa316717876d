package machine

import (
	"context"
	"sync"
)

// FlashLock is a reference-counted gate held by the guest to keep its
// machine from being snapshotted.
type FlashLock struct {
	mu    sync.Mutex
	count int
	zero  chan struct{} // closed when count returns to zero
}

// Lock takes one reference.
func (l *FlashLock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.zero = make(chan struct{})
	}
	l.count++
}

// Unlock drops one reference. Unlocking at zero is a no-op and reports false.
func (l *FlashLock) Unlock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return false
	}
	l.count--
	if l.count == 0 {
		close(l.zero)
	}
	return true
}

// Count returns the number of held references.
func (l *FlashLock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Reset drops every reference, releasing waiters.
func (l *FlashLock) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 {
		l.count = 0
		close(l.zero)
	}
}

// WaitZero blocks until no references are held or ctx ends.
func (l *FlashLock) WaitZero(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.count == 0 {
			l.mu.Unlock()
			return nil
		}
		zero := l.zero
		l.mu.Unlock()

		select {
		case <-zero:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
