package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RoomMode string

const (
	RoomModeText  RoomMode = "text"
	RoomModeAudio RoomMode = "audio"
)

// Room is a circle: a named conversation space with a fixed seat capacity.
// Display fields are kept in English and Persian.
type Room struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string    `gorm:"type:text;not null" json:"name"`
	NameFa        string    `gorm:"type:text;not null" json:"name_fa"`
	Description   string    `gorm:"type:text" json:"description"`
	DescriptionFa string    `gorm:"type:text" json:"description_fa"`
	Mode          RoomMode  `gorm:"type:varchar(8);not null;default:'text'" json:"mode"`
	Capacity      int       `gorm:"not null" json:"capacity"`
	IsAICreated   bool      `gorm:"not null;default:false" json:"is_ai_created"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Room) TableName() string { return "rooms" }

func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}
