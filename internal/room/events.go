// Package room implements the circles core: the room directory, seat
// membership, single-speaker turn taking and the message log.
//
// None of these services hold shared state. Mutual exclusion lives in the
// database's partial unique indexes; the services turn a lost race into a
// bounded retry.
package room

import (
	"context"
	"errors"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"
	"circles/backend/internal/relay"

	"github.com/rs/zerolog/log"
)

// notify publishes a change that is already committed. A relay failure is
// logged and swallowed: observers resync on their next connect.
func notify(ctx context.Context, pub relay.Publisher, roomID, table, op, rowID, sessionID string, at time.Time) {
	ev := models.RoomEvent{
		RoomID:    roomID,
		Table:     table,
		Op:        op,
		RowID:     rowID,
		SessionID: sessionID,
		At:        at.UTC(),
	}
	if err := pub.Publish(ctx, ev); err != nil {
		log.Warn().Str("module", "room").Err(err).
			Str("room_id", roomID).Str("table", table).Msg("relay publish failed")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, apperr.ErrRetryableConflict)
}
