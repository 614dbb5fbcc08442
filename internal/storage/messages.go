package storage

import (
	"context"
	"errors"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"gorm.io/gorm"
)

func (s *Service) InsertMessage(ctx context.Context, msg *models.Message) error {
	err := s.DB.WithContext(ctx).Omit("Participant", "ReplyTo").Create(msg).Error
	if err != nil {
		return apperr.Unavailable("insert message", err)
	}
	return nil
}

// GetMessage loads a message with its author and reply target preloaded.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := withMessageAssociations(s.DB.WithContext(ctx)).Where("messages.id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("message", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("get message", err)
	}
	return &msg, nil
}

// ListMessages returns the room's messages in creation order.
func (s *Service) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var msgs []models.Message
	err := withMessageAssociations(s.DB.WithContext(ctx)).
		Where("messages.room_id = ?", roomID).
		Order("messages.created_at asc, messages.id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, apperr.Unavailable("list messages", err)
	}
	return msgs, nil
}

func withMessageAssociations(db *gorm.DB) *gorm.DB {
	return db.Preload("Participant").Preload("ReplyTo").Preload("ReplyTo.Participant")
}

func (s *Service) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	if err := s.DB.WithContext(ctx).Create(a).Error; err != nil {
		return apperr.Unavailable("save analysis", err)
	}
	return nil
}
