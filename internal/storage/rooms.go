package storage

import (
	"context"
	"errors"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"gorm.io/gorm"
)

func (s *Service) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := s.DB.WithContext(ctx).Create(room).Error; err != nil {
		return apperr.Unavailable("create room", err)
	}
	return nil
}

// ListRooms returns all rooms, newest first.
func (s *Service) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := s.DB.WithContext(ctx).Order("created_at desc, id asc").Find(&rooms).Error; err != nil {
		return nil, apperr.Unavailable("list rooms", err)
	}
	return rooms, nil
}

func (s *Service) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("room", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("get room", err)
	}
	return &room, nil
}
