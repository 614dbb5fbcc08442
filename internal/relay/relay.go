// Package relay propagates row-change notifications to the observers of a
// room. Events only identify the changed row; observers re-fetch state.
//
// Every observer owns a *Subscription and must Close it when it stops
// listening. A subscriber that falls too far behind is disconnected (its
// Events channel is closed) rather than silently losing events, so it can
// reconnect and resync.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"circles/backend/internal/models"
)

// Event is a single row-change notification.
type Event = models.RoomEvent

// subscriptionBuffer is how many undelivered events a subscriber may lag behind.
const subscriptionBuffer = 64

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is a Publisher that can also hand out per-room subscriptions.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, roomID string) (*Subscription, error)
}

// Subscription is an owned handle on one room's event stream.
type Subscription struct {
	roomID string
	events chan Event

	mu     sync.Mutex
	closed bool
	lagged atomic.Bool

	releaseOnce sync.Once
	release     func()
}

func newSubscription(roomID string, release func()) *Subscription {
	if release == nil {
		release = func() {}
	}
	return &Subscription{
		roomID:  roomID,
		events:  make(chan Event, subscriptionBuffer),
		release: release,
	}
}

func (s *Subscription) RoomID() string { return s.roomID }

// Events is closed when the subscription is closed or has lagged.
func (s *Subscription) Events() <-chan Event { return s.events }

// Lagged reports whether the subscription was dropped for falling behind.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close stops delivery and releases the underlying resources. Safe to call
// more than once and from any goroutine.
func (s *Subscription) Close() error {
	s.shutdown()
	s.releaseOnce.Do(s.release)
	return nil
}

// deliver hands ev to the subscriber without blocking. It reports false once
// the subscription is closed; an overflow closes it.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.lagged.Store(true)
		s.closed = true
		close(s.events)
		// release may need locks held by the publisher
		go s.releaseOnce.Do(s.release)
		return false
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Discard drops every event. Used when the database change feed publishes
// on the services' behalf.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
