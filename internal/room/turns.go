package room

import (
	"context"
	"fmt"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/config"
	"circles/backend/internal/models"
	"circles/backend/internal/relay"
	"circles/backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// Turns coordinates the voice turn of a room: at most one participant holds
// an open speaking slot at a time, first come first served.
type Turns struct {
	store  storage.Storage
	events relay.Publisher
	Now    func() time.Time
}

// NewTurns Constructor
func NewTurns(store storage.Storage, events relay.Publisher) *Turns {
	return &Turns{store: store, events: events, Now: time.Now}
}

// StartSpeaking opens a slot for the participant. It returns apperr.ErrBusy
// when someone else holds the turn and the caller's existing slot when the
// caller already holds it. Holders are never preempted.
func (t *Turns) StartSpeaking(ctx context.Context, participantID, roomID string) (*models.SpeakingSlot, error) {
	seat, err := t.activeSeat(ctx, participantID, roomID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= config.SpeakingSlotAttempts; attempt++ {
		holder, err := t.store.FindOpenSlot(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			if holder.ParticipantID == participantID {
				return holder, nil
			}
			return nil, apperr.ErrBusy
		}

		slot := &models.SpeakingSlot{
			RoomID:        roomID,
			ParticipantID: participantID,
			StartedAt:     t.Now().UTC(),
		}
		err = t.store.OpenSpeakingSlot(ctx, slot)
		if err == nil {
			notify(ctx, t.events, roomID, models.TableSpeakingSlots, models.OpInsert, slot.ID, seat.SessionID, slot.StartedAt)
			log.Info().Str("module", "room").Str("room_id", roomID).Int("seat", seat.SeatNumber).Msg("speaking started")
			return slot, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		// someone opened a slot between the read and the insert; re-read the holder
	}

	return nil, apperr.Unavailable("start speaking",
		fmt.Errorf("gave up after %d attempts: %w", config.SpeakingSlotAttempts, apperr.ErrRetryableConflict))
}

// StopSpeaking closes the participant's own open slot. It reports false when
// the participant was not speaking; other participants' slots are never touched.
func (t *Turns) StopSpeaking(ctx context.Context, participantID, roomID string) (bool, error) {
	now := t.Now()
	slot, err := t.store.CloseSpeakingSlot(ctx, roomID, participantID, now)
	if err != nil || slot == nil {
		return false, err
	}
	notify(ctx, t.events, roomID, models.TableSpeakingSlots, models.OpUpdate, slot.ID, "", now)
	return true, nil
}

// ActiveSpeakers returns the seat numbers holding an open slot, ascending.
// Callers should treat the result as a set.
func (t *Turns) ActiveSpeakers(ctx context.Context, roomID string) ([]int, error) {
	seats, err := t.store.ActiveSpeakerSeats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if seats == nil {
		seats = []int{}
	}
	return seats, nil
}

func (t *Turns) activeSeat(ctx context.Context, participantID, roomID string) (*models.Participant, error) {
	seat, err := t.store.GetParticipantByID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !seat.IsActive || seat.RoomID != roomID {
		return nil, fmt.Errorf("participant %s is not seated in room %s: %w", participantID, roomID, apperr.ErrNotFound)
	}
	return seat, nil
}
