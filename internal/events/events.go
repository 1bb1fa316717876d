// Package events distributes machine lifecycle events to in-process
// subscribers and, when configured, to a NATS server.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeDeployed        = "machine.deployed"
	TypeDeleted         = "machine.deleted"
	TypeStatus          = "instance.status"
	TypeSnapshot        = "instance.snapshot"
	TypeSnapshotBlocked = "instance.snapshot_blocked"
	TypeScaled          = "machine.scaled"
)

// Event is a lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Machine   string    `json:"machine"`
	Instance  string    `json:"instance,omitempty"`
	Status    string    `json:"status,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

// Publish delivers e to each publisher in order.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
