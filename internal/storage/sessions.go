package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"gorm.io/gorm"
)

// SessionPreferences carries optional preference updates; nil fields are left unchanged.
type SessionPreferences struct {
	NotificationsEnabled *bool
	Language             *string
}

// CreateSession reports a duplicate device key as apperr.ErrRetryableConflict.
func (s *Service) CreateSession(ctx context.Context, session *models.Session) error {
	err := s.DB.WithContext(ctx).Create(session).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("session device key: %w", apperr.ErrRetryableConflict)
	}
	if err != nil {
		return apperr.Unavailable("create session", err)
	}
	return nil
}

func (s *Service) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("get session", err)
	}
	return &session, nil
}

// GetSessionByDeviceKey returns (nil, nil) when no session is bound to the key.
func (s *Service) GetSessionByDeviceKey(ctx context.Context, key string) (*models.Session, error) {
	var session models.Session
	err := s.DB.WithContext(ctx).Where("device_key = ?", key).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable("get session by device", err)
	}
	return &session, nil
}

func (s *Service) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.updateSession(ctx, "touch session", id, map[string]any{"last_active": utc(at)})
}

func (s *Service) MarkSessionVerified(ctx context.Context, id string) error {
	return s.updateSession(ctx, "verify session", id, map[string]any{"is_verified": true})
}

func (s *Service) UpdateSessionPreferences(ctx context.Context, id string, prefs SessionPreferences) error {
	fields := map[string]any{}
	if prefs.NotificationsEnabled != nil {
		fields["notifications_enabled"] = *prefs.NotificationsEnabled
	}
	if prefs.Language != nil {
		fields["language"] = *prefs.Language
	}
	if len(fields) == 0 {
		_, err := s.GetSessionByID(ctx, id)
		return err
	}
	return s.updateSession(ctx, "update session preferences", id, fields)
}

func (s *Service) updateSession(ctx context.Context, op, id string, fields map[string]any) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return apperr.Unavailable(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("session", id)
	}
	return nil
}
