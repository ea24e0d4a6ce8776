// Package eventbus provides the in-process fan-out the Session Manager
// uses to announce session lifecycle events (started, completed,
// failed, removed); BridgeUpdates go to adapters directly, not over
// this bus. Grounded on the teacher's
// internal/events/bus package. Unlike the teacher, this bus is never
// the system of record for anything: spec.md's Non-goals rule out a
// durable external queue, so even the NATS-backed implementation here
// is best-effort, in-memory-equivalent fan-out across one process —
// never a persistence mechanism.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string
	Subject   string
	Timestamp time.Time
	Update    any // payload; the Session Manager publishes map[string]string lifecycle fields
}

// NewEvent stamps an Event with a fresh id and timestamp.
func NewEvent(subject string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Update:    payload,
	}
}

// Handler processes one Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract (spec.md's in-process dataflow glue,
// not part of the public external interfaces in §6).
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
