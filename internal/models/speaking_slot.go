package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SpeakingSlot is one continuous interval during which a participant held the
// voice turn of a room. An open slot has EndedAt == nil; at most one open slot
// may exist per room.
type SpeakingSlot struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomID        string     `gorm:"type:varchar(36);not null;index" json:"room_id"`
	ParticipantID string     `gorm:"type:varchar(36);not null;index" json:"participant_id"`
	StartedAt     time.Time  `gorm:"not null" json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	IsSpeaking    bool       `gorm:"not null;default:true" json:"is_speaking"`

	Participant Participant `gorm:"foreignKey:ParticipantID" json:"-"`
}

func (SpeakingSlot) TableName() string { return "speaking_slots" }

func (s *SpeakingSlot) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return
}
