package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ExpiredSeat is a seat released by the idle reaper together with the
// speaking slot it held, if any.
type ExpiredSeat struct {
	Seat models.Participant
	Slot *models.SpeakingSlot
}

// FindActiveSeat returns (nil, nil) when the session holds no active seat in the room.
func (s *Service) FindActiveSeat(ctx context.Context, roomID, sessionID string) (*models.Participant, error) {
	var seat models.Participant
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND session_id = ? AND is_active = ?", roomID, sessionID, true).
		First(&seat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable("find active seat", err)
	}
	return &seat, nil
}

func (s *Service) GetParticipantByID(ctx context.Context, id string) (*models.Participant, error) {
	var seat models.Participant
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&seat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("participant", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("get participant", err)
	}
	return &seat, nil
}

// ActiveSeatNumbers returns the occupied seat numbers of a room in ascending order.
func (s *Service) ActiveSeatNumbers(ctx context.Context, roomID string) ([]int, error) {
	var seats []int
	err := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Order("seat_number asc").
		Pluck("seat_number", &seats).Error
	if err != nil {
		return nil, apperr.Unavailable("list seat numbers", err)
	}
	return seats, nil
}

// InsertSeat stores a new active seat. A violated partial unique index means
// another join won the race and is reported as apperr.ErrRetryableConflict.
func (s *Service) InsertSeat(ctx context.Context, seat *models.Participant) error {
	seat.IsActive = true
	err := s.DB.WithContext(ctx).Create(seat).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("seat %d in room %s: %w", seat.SeatNumber, seat.RoomID, apperr.ErrRetryableConflict)
	}
	if err != nil {
		return apperr.Unavailable("insert seat", err)
	}
	return nil
}

// LeaveRoom deactivates the session's seat and closes its open speaking slot
// in one transaction. Both results are nil when there was nothing to release.
func (s *Service) LeaveRoom(ctx context.Context, roomID, sessionID string, at time.Time) (*models.Participant, *models.SpeakingSlot, error) {
	var (
		seat *models.Participant
		slot *models.SpeakingSlot
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Participant
		err := tx.Where("room_id = ? AND session_id = ? AND is_active = ?", roomID, sessionID, true).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		released, err := deactivateSeat(tx, &row, at)
		if err != nil || !released {
			return err
		}
		seat = &row

		slot, err = closeOpenSlot(tx, roomID, row.ID, at)
		return err
	})
	if err != nil {
		return nil, nil, apperr.Unavailable("leave room", err)
	}
	return seat, slot, nil
}

// ListActiveSeats returns the active seats of a room ordered by seat number.
func (s *Service) ListActiveSeats(ctx context.Context, roomID string) ([]models.Participant, error) {
	var seats []models.Participant
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Order("seat_number asc").
		Find(&seats).Error
	if err != nil {
		return nil, apperr.Unavailable("list active seats", err)
	}
	return seats, nil
}

// ListSeatsBySession returns every active seat held by a session.
func (s *Service) ListSeatsBySession(ctx context.Context, sessionID string) ([]models.Participant, error) {
	var seats []models.Participant
	err := s.DB.WithContext(ctx).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		Order("joined_at asc").
		Find(&seats).Error
	if err != nil {
		return nil, apperr.Unavailable("list seats by session", err)
	}
	return seats, nil
}

// TouchSeat refreshes the lease of an active seat. It reports false when the
// session holds no active seat in the room.
func (s *Service) TouchSeat(ctx context.Context, roomID, sessionID string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND session_id = ? AND is_active = ?", roomID, sessionID, true).
		Update("last_seen_at", utc(at))
	if res.Error != nil {
		return false, apperr.Unavailable("touch seat", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExpireIdleSeats releases every active seat last seen before the cutoff.
func (s *Service) ExpireIdleSeats(ctx context.Context, before, at time.Time) ([]ExpiredSeat, error) {
	var expired []ExpiredSeat
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var idle []models.Participant
		err := tx.Where("is_active = ? AND last_seen_at < ?", true, utc(before)).
			Order("room_id asc, seat_number asc").
			Find(&idle).Error
		if err != nil {
			return err
		}

		for i := range idle {
			released, err := deactivateSeat(tx, &idle[i], at)
			if err != nil {
				return err
			}
			if !released {
				continue
			}
			slot, err := closeOpenSlot(tx, idle[i].RoomID, idle[i].ID, at)
			if err != nil {
				return err
			}
			expired = append(expired, ExpiredSeat{Seat: idle[i], Slot: slot})
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable("expire idle seats", err)
	}
	if len(expired) > 0 {
		log.Info().Str("module", "storage").Int("seats", len(expired)).Msg("expired idle seats")
	}
	return expired, nil
}

// deactivateSeat flips an active row to inactive. It reports false when a
// concurrent leave already released it.
func deactivateSeat(tx *gorm.DB, seat *models.Participant, at time.Time) (bool, error) {
	left := utc(at)
	res := tx.Model(&models.Participant{}).
		Where("id = ? AND is_active = ?", seat.ID, true).
		Updates(map[string]any{"is_active": false, "left_at": left})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	seat.IsActive = false
	seat.LeftAt = &left
	return true, nil
}
