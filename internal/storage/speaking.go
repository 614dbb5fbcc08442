package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenSpeakingSlot inserts an open slot for a participant that is still
// seated in the slot's room. The participant row is locked for the insert so a
// concurrent leave or expiry either runs first (apperr.ErrNotFound) or sees
// the new slot and closes it. The partial unique index on open slots rejects a
// second one per room with apperr.ErrRetryableConflict.
func (s *Service) OpenSpeakingSlot(ctx context.Context, slot *models.SpeakingSlot) error {
	slot.IsSpeaking = true
	slot.EndedAt = nil
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seat models.Participant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND room_id = ? AND is_active = ?", slot.ParticipantID, slot.RoomID, true).
			First(&seat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errSeatGone
		}
		if err != nil {
			return err
		}
		return tx.Omit("Participant").Create(slot).Error
	})
	switch {
	case errors.Is(err, errSeatGone):
		return fmt.Errorf("participant %s is not seated in room %s: %w", slot.ParticipantID, slot.RoomID, apperr.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("open slot in room %s: %w", slot.RoomID, apperr.ErrRetryableConflict)
	case err != nil:
		return apperr.Unavailable("open speaking slot", err)
	}
	return nil
}

var errSeatGone = errors.New("seat is no longer active")

// FindOpenSlot returns the room's open slot or (nil, nil).
func (s *Service) FindOpenSlot(ctx context.Context, roomID string) (*models.SpeakingSlot, error) {
	var slot models.SpeakingSlot
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND ended_at IS NULL", roomID).
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable("find open slot", err)
	}
	return &slot, nil
}

// CloseSpeakingSlot closes the participant's own open slot and returns it, or
// (nil, nil) when the participant was not speaking.
func (s *Service) CloseSpeakingSlot(ctx context.Context, roomID, participantID string, at time.Time) (*models.SpeakingSlot, error) {
	var slot *models.SpeakingSlot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		slot, err = closeOpenSlot(tx, roomID, participantID, at)
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable("close speaking slot", err)
	}
	return slot, nil
}

// ActiveSpeakerSeats returns the seat numbers holding an open slot, ascending.
func (s *Service) ActiveSpeakerSeats(ctx context.Context, roomID string) ([]int, error) {
	var seats []int
	err := s.DB.WithContext(ctx).Model(&models.SpeakingSlot{}).
		Joins("JOIN participants ON participants.id = speaking_slots.participant_id").
		Where("speaking_slots.room_id = ? AND speaking_slots.ended_at IS NULL AND speaking_slots.is_speaking = ?", roomID, true).
		Order("participants.seat_number asc").
		Pluck("participants.seat_number", &seats).Error
	if err != nil {
		return nil, apperr.Unavailable("list active speakers", err)
	}
	return seats, nil
}

func closeOpenSlot(tx *gorm.DB, roomID, participantID string, at time.Time) (*models.SpeakingSlot, error) {
	var slot models.SpeakingSlot
	err := tx.Where("room_id = ? AND participant_id = ? AND ended_at IS NULL", roomID, participantID).
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ended := utc(at)
	res := tx.Model(&models.SpeakingSlot{}).
		Where("id = ? AND ended_at IS NULL", slot.ID).
		Updates(map[string]any{"ended_at": ended, "is_speaking": false})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	slot.EndedAt = &ended
	slot.IsSpeaking = false
	return &slot, nil
}

// CloseOrphanedSlots closes open slots whose participant no longer holds an
// active seat and returns them.
func (s *Service) CloseOrphanedSlots(ctx context.Context, at time.Time) ([]models.SpeakingSlot, error) {
	var closed []models.SpeakingSlot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []models.SpeakingSlot
		err := tx.Joins("JOIN participants ON participants.id = speaking_slots.participant_id").
			Where("speaking_slots.ended_at IS NULL AND participants.is_active = ?", false).
			Find(&orphans).Error
		if err != nil {
			return err
		}
		for _, o := range orphans {
			slot, err := closeOpenSlot(tx, o.RoomID, o.ParticipantID, at)
			if err != nil {
				return err
			}
			if slot != nil {
				closed = append(closed, *slot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable("close orphaned slots", err)
	}
	return closed, nil
}
