package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	feedMinReconnect = 10 * time.Second
	feedMaxReconnect = time.Minute
	feedPingInterval = 90 * time.Second
)

// notification is the JSON body emitted by the circles_notify_change trigger.
type notification struct {
	Table  string `json:"table"`
	Op     string `json:"op"`
	RoomID string `json:"room_id"`
	RowID  string `json:"row_id"`
}

// PGFeed turns PostgreSQL NOTIFY messages into relay events.
type PGFeed struct {
	dsn     string
	channel string
	out     Publisher
	now     func() time.Time
}

func NewPGFeed(dsn, channel string, out Publisher) *PGFeed {
	return &PGFeed{dsn: dsn, channel: channel, out: out, now: time.Now}
}

// Run listens until ctx is cancelled.
func (f *PGFeed) Run(ctx context.Context) error {
	listener := pq.NewListener(f.dsn, feedMinReconnect, feedMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Str("module", "pgfeed").Err(err).Int("event", int(ev)).Msg("listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(f.channel); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	log.Info().Str("module", "pgfeed").Str("channel", f.channel).Msg("change feed listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// reconnected; notifications sent meanwhile are lost and
				// clients resync on their next connect
				log.Info().Str("module", "pgfeed").Msg("listener reconnected")
				continue
			}
			f.handle(ctx, n)
		case <-time.After(feedPingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					log.Warn().Str("module", "pgfeed").Err(err).Msg("ping failed")
				}
			}()
		}
	}
}

func (f *PGFeed) handle(ctx context.Context, n *pq.Notification) {
	ev, err := decodeNotification(n.Extra, f.now())
	if err != nil {
		log.Warn().Str("module", "pgfeed").Err(err).Msg("skipping notification")
		return
	}
	if err := f.out.Publish(ctx, ev); err != nil {
		log.Error().Str("module", "pgfeed").Err(err).Str("room_id", ev.RoomID).Msg("republish failed")
	}
}

func decodeNotification(payload string, at time.Time) (Event, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.RoomID == "" || n.Table == "" {
		return Event{}, fmt.Errorf("notification without room or table: %q", payload)
	}
	return Event{
		RoomID: n.RoomID,
		Table:  n.Table,
		Op:     n.Op,
		RowID:  n.RowID,
		At:     at.UTC(),
	}, nil
}
