package relay

import (
	"context"
	"testing"
	"time"

	"circles/backend/internal/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNotification(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ev, err := decodeNotification(`{"table":"participants","op":"update","room_id":"r1","row_id":"p1"}`, at)

	require.NoError(t, err)
	assert.Equal(t, Event{RoomID: "r1", Table: models.TableParticipants, Op: models.OpUpdate, RowID: "p1", At: at}, ev)
}

func TestDecodeNotification_Rejects(t *testing.T) {
	_, err := decodeNotification("not json", time.Now())
	assert.Error(t, err)

	_, err = decodeNotification(`{"table":"messages"}`, time.Now())
	assert.Error(t, err)
}

func TestPGFeed_HandleRepublishes(t *testing.T) {
	bus := NewLocalBus()
	sub, err := bus.Subscribe(context.Background(), "r1")
	require.NoError(t, err)
	defer sub.Close()

	feed := NewPGFeed("postgres://unused", "circles_changes", bus)
	feed.now = func() time.Time { return time.Unix(0, 0) }

	feed.handle(context.Background(), &pq.Notification{
		Channel: "circles_changes",
		Extra:   `{"table":"messages","op":"insert","room_id":"r1","row_id":"m1"}`,
	})
	feed.handle(context.Background(), &pq.Notification{Extra: "garbage"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "m1", ev.RowID)
		assert.Equal(t, models.OpInsert, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("no event republished")
	}
	assert.Empty(t, sub.Events())
}
