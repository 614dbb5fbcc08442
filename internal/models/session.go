package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is an anonymous, device-bound identity. It carries no personal data;
// the only state is whether the captcha was passed and a couple of preferences.
type Session struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	// DeviceKey identifies non-browser clients (for example "telegram:<chat id>").
	// Browser sessions leave it nil and rely on the signed token instead.
	DeviceKey            *string   `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	IsVerified           bool      `gorm:"not null;default:false" json:"is_verified"`
	NotificationsEnabled bool      `gorm:"not null;default:false" json:"notifications_enabled"`
	Language             string    `gorm:"type:varchar(8);not null;default:'en'" json:"language"`
	CreatedAt            time.Time `json:"created_at"`
	LastActive           time.Time `json:"last_active"`
}

func (Session) TableName() string { return "sessions" }

// BeforeCreate assigns a random UUID when the caller did not set one.
func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Language == "" {
		s.Language = "en"
	}
	return
}
