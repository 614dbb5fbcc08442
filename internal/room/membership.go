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

// Membership assigns and releases seat numbers.
type Membership struct {
	store           storage.Storage
	events          relay.Publisher
	requireVerified bool
	Now             func() time.Time
}

// NewMembership Constructor
func NewMembership(store storage.Storage, events relay.Publisher, requireVerified bool) *Membership {
	return &Membership{
		store:           store,
		events:          events,
		requireVerified: requireVerified,
		Now:             time.Now,
	}
}

// Join seats the session in the room, or returns its current seat.
//
// The seat number is the smallest one free in [1, capacity]. Two joins racing
// for the same number are arbitrated by the active-seat unique index; the
// loser rescans. Capacity is read on every attempt.
func (m *Membership) Join(ctx context.Context, roomID, sessionID string) (*models.Participant, error) {
	if _, err := m.store.GetRoomByID(ctx, roomID); err != nil {
		return nil, err
	}
	session, err := m.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= config.JoinAttempts; attempt++ {
		existing, err := m.store.FindActiveSeat(ctx, roomID, sessionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if _, err := m.store.TouchSeat(ctx, roomID, sessionID, m.Now()); err != nil {
				return nil, err
			}
			return existing, nil
		}

		if m.requireVerified && !session.IsVerified {
			return nil, apperr.ErrUnverified
		}

		seat, err := m.tryJoin(ctx, roomID, sessionID)
		if isConflict(err) {
			log.Debug().Str("module", "room").Str("room_id", roomID).Int("attempt", attempt).Msg("seat race lost, rescanning")
			continue
		}
		if err != nil {
			return nil, err
		}

		notify(ctx, m.events, roomID, models.TableParticipants, models.OpInsert, seat.ID, sessionID, seat.JoinedAt)
		log.Info().Str("module", "room").Str("room_id", roomID).Int("seat", seat.SeatNumber).Msg("participant joined")
		return seat, nil
	}

	return nil, apperr.Unavailable("join room",
		fmt.Errorf("gave up after %d attempts: %w", config.JoinAttempts, apperr.ErrRetryableConflict))
}

func (m *Membership) tryJoin(ctx context.Context, roomID, sessionID string) (*models.Participant, error) {
	room, err := m.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	taken, err := m.store.ActiveSeatNumbers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(taken) >= room.Capacity {
		return nil, apperr.ErrRoomFull
	}
	number := lowestFreeSeat(taken, room.Capacity)
	if number == 0 {
		return nil, apperr.ErrRoomFull
	}

	now := m.Now().UTC()
	seat := &models.Participant{
		RoomID:     roomID,
		SessionID:  sessionID,
		SeatNumber: number,
		JoinedAt:   now,
		LastSeenAt: now,
		IsActive:   true,
	}
	if err := m.store.InsertSeat(ctx, seat); err != nil {
		return nil, err
	}
	return seat, nil
}

// lowestFreeSeat scans [1, capacity] and returns the first number not in
// taken, or 0 when every seat is occupied.
func lowestFreeSeat(taken []int, capacity int) int {
	used := make(map[int]bool, len(taken))
	for _, n := range taken {
		used[n] = true
	}
	for n := 1; n <= capacity; n++ {
		if !used[n] {
			return n
		}
	}
	return 0
}

// Leave releases the session's seat and any speaking slot it held. It
// reports false, without error, when there was no seat.
func (m *Membership) Leave(ctx context.Context, roomID, sessionID string) (bool, error) {
	now := m.Now()
	seat, slot, err := m.store.LeaveRoom(ctx, roomID, sessionID, now)
	if err != nil {
		return false, err
	}
	if seat == nil {
		return false, nil
	}

	if slot != nil {
		notify(ctx, m.events, roomID, models.TableSpeakingSlots, models.OpUpdate, slot.ID, sessionID, now)
	}
	notify(ctx, m.events, roomID, models.TableParticipants, models.OpUpdate, seat.ID, sessionID, now)
	log.Info().Str("module", "room").Str("room_id", roomID).Int("seat", seat.SeatNumber).Msg("participant left")
	return true, nil
}

// ListActive returns the room's active seats ordered by seat number.
func (m *Membership) ListActive(ctx context.Context, roomID string) ([]models.Participant, error) {
	if _, err := m.store.GetRoomByID(ctx, roomID); err != nil {
		return nil, err
	}
	return m.store.ListActiveSeats(ctx, roomID)
}

// SeatOf returns the session's active seat in the room or apperr.ErrNotFound.
func (m *Membership) SeatOf(ctx context.Context, roomID, sessionID string) (*models.Participant, error) {
	seat, err := m.store.FindActiveSeat(ctx, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	if seat == nil {
		return nil, fmt.Errorf("session is not seated in room %s: %w", roomID, apperr.ErrNotFound)
	}
	return seat, nil
}

// SeatsOf returns every active seat held by the session.
func (m *Membership) SeatsOf(ctx context.Context, sessionID string) ([]models.Participant, error) {
	return m.store.ListSeatsBySession(ctx, sessionID)
}

// Touch records client activity, extending the seat's idle lease. It reports
// false when the session is not seated in the room.
func (m *Membership) Touch(ctx context.Context, roomID, sessionID string) (bool, error) {
	now := m.Now()
	ok, err := m.store.TouchSeat(ctx, roomID, sessionID, now)
	if err != nil || !ok {
		return ok, err
	}
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		return true, err
	}
	return true, nil
}

// ExpireIdle releases seats without activity for longer than idle and
// returns how many were released.
func (m *Membership) ExpireIdle(ctx context.Context, idle time.Duration) (int, error) {
	now := m.Now()
	expired, err := m.store.ExpireIdleSeats(ctx, now.Add(-idle), now)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		if e.Slot != nil {
			notify(ctx, m.events, e.Seat.RoomID, models.TableSpeakingSlots, models.OpUpdate, e.Slot.ID, e.Seat.SessionID, now)
		}
		notify(ctx, m.events, e.Seat.RoomID, models.TableParticipants, models.OpUpdate, e.Seat.ID, e.Seat.SessionID, now)
	}

	orphans, err := m.store.CloseOrphanedSlots(ctx, now)
	if err != nil {
		return len(expired), err
	}
	for _, slot := range orphans {
		log.Warn().Str("module", "room").Str("room_id", slot.RoomID).Str("slot_id", slot.ID).Msg("closed speaking slot of departed participant")
		notify(ctx, m.events, slot.RoomID, models.TableSpeakingSlots, models.OpUpdate, slot.ID, "", now)
	}
	return len(expired), nil
}
