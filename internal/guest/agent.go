// Package guest implements the agent that runs as init inside a microVM.
// It starts the application, watches it for trigger conditions and serves
// the resulting events to the host over vsock.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/seantiz/flare/internal/trigger"
)

// Agent queues trigger events and delivers them to the host. Events emitted
// while no host connection exists stay queued and are sent on the next
// connection, which is how they survive a snapshot and restore.
type Agent struct {
	listener net.Listener

	mu      sync.Mutex
	pending []trigger.Event
	sent    uint32
	notify  chan struct{}
}

// New creates an agent that serves events on listener.
func New(listener net.Listener) *Agent {
	return &Agent{
		listener: listener,
		notify:   make(chan struct{}, 1),
	}
}

// Emit queues an event for delivery.
func (a *Agent) Emit(e trigger.Event) {
	a.mu.Lock()
	a.pending = append(a.pending, e)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Serve accepts host connections until the listener is closed or ctx is
// done. A new connection replaces the previous one.
func (a *Agent) Serve(ctx context.Context) error {
	stopAccept := context.AfterFunc(ctx, func() { a.listener.Close() })
	defer stopAccept()

	var cur *delivery
	defer func() {
		if cur != nil {
			cur.stop()
		}
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if cur != nil {
			cur.stop()
		}
		cur = &delivery{conn: conn, done: make(chan struct{}), quit: make(chan struct{})}
		go a.deliver(cur)
	}
}

type delivery struct {
	conn net.Conn
	quit chan struct{}
	done chan struct{}
}

func (d *delivery) stop() {
	close(d.quit)
	d.conn.Close()
	<-d.done
}

// deliver writes a hello frame and then every queued event in order. An
// event leaves the queue only once written.
func (a *Agent) deliver(d *delivery) {
	defer close(d.done)

	a.mu.Lock()
	hello := trigger.Event{Type: trigger.TypeHello, Arg: a.sent}
	a.mu.Unlock()
	if err := trigger.WriteEvent(d.conn, hello); err != nil {
		log.Printf("write hello: %v", err)
		return
	}

	for {
		e, ok := a.peek()
		if !ok {
			select {
			case <-a.notify:
				continue
			case <-d.quit:
				return
			}
		}
		if err := trigger.WriteEvent(d.conn, e); err != nil {
			log.Printf("host connection lost, %d events queued: %v", a.queued(), err)
			return
		}
		a.pop()
	}
}

func (a *Agent) peek() (trigger.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return trigger.Event{}, false
	}
	return a.pending[0], true
}

func (a *Agent) pop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = a.pending[1:]
	a.sent++
}

func (a *Agent) queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
