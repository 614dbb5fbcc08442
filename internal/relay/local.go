package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// LocalBus fans events out to subscribers in the same process.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.RoomID] {
		if !sub.deliver(ev) && sub.Lagged() {
			log.Warn().Str("module", "relay").Str("room_id", ev.RoomID).Msg("dropping lagging subscriber")
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, roomID string) (*Subscription, error) {
	var sub *Subscription
	sub = newSubscription(roomID, func() { b.remove(roomID, sub) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*Subscription]struct{})
	}
	b.subs[roomID][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of open subscriptions for a room.
func (b *LocalBus) Subscribers(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[roomID])
}

func (b *LocalBus) remove(roomID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[roomID], sub)
	if len(b.subs[roomID]) == 0 {
		delete(b.subs, roomID)
	}
}
