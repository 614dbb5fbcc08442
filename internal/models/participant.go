package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Participant is a seat held by a session inside a room. Rows are never
// deleted: leaving flips IsActive and stamps LeftAt so old messages keep their
// author's seat number. Uniqueness among active rows is enforced by partial
// indexes created in storage migrations.
type Participant struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomID     string     `gorm:"type:varchar(36);not null;index:idx_participants_room" json:"room_id"`
	SessionID  string     `gorm:"type:varchar(36);not null;index" json:"session_id"`
	SeatNumber int        `gorm:"not null" json:"seat_number"`
	JoinedAt   time.Time  `gorm:"not null" json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	LastSeenAt time.Time  `gorm:"not null;index" json:"-"`
	IsActive   bool       `gorm:"not null;default:true;index:idx_participants_room" json:"is_active"`
}

func (Participant) TableName() string { return "participants" }

func (p *Participant) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return
}
