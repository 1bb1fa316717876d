// Package console fans guest console output out to live subscribers and
// keeps a bounded tail of recent lines per machine.
package console

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// DefaultTailSize is the number of recent lines retained per topic.
	DefaultTailSize = 256
)

// Broker manages per-machine console streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// machine is deleted receive a closed channel instead of blocking forever.
type Broker struct {
	mu       sync.Mutex
	topics   map[string]*topic
	tailSize int
}

type topic struct {
	subs   map[int]chan string
	nextID int
	closed bool

	tail  []string
	start int
}

// NewBroker creates a broker retaining tailSize recent lines per topic.
// A non-positive tailSize selects DefaultTailSize.
func NewBroker(tailSize int) *Broker {
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	return &Broker{
		topics:   make(map[string]*topic),
		tailSize: tailSize,
	}
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[name] = t
	}
	return t
}

// Subscribe returns a channel that receives console lines for the given
// machine and an unsubscribe function. If the topic was closed, the returned
// channel is immediately closed.
func (b *Broker) Subscribe(name string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(name)
	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends a line to all subscribers of the topic and appends it to the
// topic's tail. Lines are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(name, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(name)
	if t.closed {
		return
	}

	if len(t.tail) < b.tailSize {
		t.tail = append(t.tail, line)
	} else {
		t.tail[t.start] = line
		t.start = (t.start + 1) % b.tailSize
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Tail returns the retained recent lines of a topic, oldest first.
func (b *Broker) Tail(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(t.tail))
	out = append(out, t.tail[t.start:]...)
	out = append(out, t.tail[:t.start]...)
	return out
}

// Close signals that no more lines will be published for the topic. All
// subscriber channels are closed, the tail is dropped and future Subscribe
// calls return a closed channel.
func (b *Broker) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(name)
	t.closed = true
	t.tail = nil
	t.start = 0
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
