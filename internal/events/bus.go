package events

import (
	"context"
	"errors"
	"sync"
)

// Bus is an in-memory event bus. Slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan<- Event
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish fans e out to subscribers.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe registers ch for every event.
func (b *Bus) Subscribe(ch chan<- Event) (func(), error) {
	if ch == nil {
		return nil, errors.New("events: channel must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i] == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}, nil
}
