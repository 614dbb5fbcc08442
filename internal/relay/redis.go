package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBus relays events through Redis pub/sub so every server process sees
// every room's changes.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Channel returns the pub/sub channel name of a room.
func Channel(roomID string) string {
	return "circles:room:" + roomID
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(ev.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Channel(ev.RoomID), err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel(roomID), err)
	}

	sub := newSubscription(roomID, func() { _ = ps.Close() })
	go forward(ps.Channel(), sub)
	return sub, nil
}

func forward(ch <-chan *redis.Message, sub *Subscription) {
	defer sub.Close()
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn().Str("module", "relay").Err(err).Str("channel", msg.Channel).Msg("skipping malformed event")
			continue
		}
		if !sub.deliver(ev) {
			if sub.Lagged() {
				log.Warn().Str("module", "relay").Str("room_id", sub.RoomID()).Msg("dropping lagging subscriber")
			}
			return
		}
	}
}
