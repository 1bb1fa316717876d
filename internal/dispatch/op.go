package dispatch

import "sync"

// op is one pending activation of an instance. Waiters join in arrival
// order and are released in that order with the same result.
type op struct {
	mu      sync.Mutex
	waiters []chan error
	done    bool
	err     error
}

// join registers a waiter. A waiter joining a finished op receives its
// result immediately.
func (o *op) join() <-chan error {
	ch := make(chan error, 1)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		ch <- o.err
		return ch
	}
	o.waiters = append(o.waiters, ch)
	return ch
}

// finish records the result and releases every waiter FIFO.
func (o *op) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
	o.err = err
	for _, ch := range o.waiters {
		ch <- err
	}
	o.waiters = nil
}

// pending returns the number of waiters still queued.
func (o *op) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiters)
}
