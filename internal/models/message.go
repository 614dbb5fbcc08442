package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is an append-only text message in a room.
type Message struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RoomID        string    `gorm:"type:varchar(36);not null;index:idx_messages_room_created,priority:1" json:"room_id"`
	ParticipantID string    `gorm:"type:varchar(36);not null" json:"participant_id"`
	Body          string    `gorm:"type:text;not null" json:"body"`
	ReplyToID     *string   `gorm:"type:varchar(36);index" json:"reply_to_id,omitempty"`
	CreatedAt     time.Time `gorm:"index:idx_messages_room_created,priority:2" json:"created_at"`

	Participant Participant `gorm:"foreignKey:ParticipantID" json:"-"`
	ReplyTo     *Message    `gorm:"foreignKey:ReplyToID" json:"-"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// MessageView is a message denormalized with its author's seat number and the
// referenced message, as returned to clients.
type MessageView struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	SeatNumber   int       `json:"seat_number"`
	Body         string    `json:"body"`
	ReplyToID    *string   `json:"reply_to_id,omitempty"`
	ReplyToBody  string    `json:"reply_to_body,omitempty"`
	ReplyToSeat  int       `json:"reply_to_seat,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AuthorActive bool      `json:"author_active"`
}

// View flattens a message whose Participant and ReplyTo.Participant
// associations have been preloaded.
func (m *Message) View() MessageView {
	v := MessageView{
		ID:           m.ID,
		RoomID:       m.RoomID,
		SeatNumber:   m.Participant.SeatNumber,
		Body:         m.Body,
		ReplyToID:    m.ReplyToID,
		CreatedAt:    m.CreatedAt,
		AuthorActive: m.Participant.IsActive,
	}
	if m.ReplyTo != nil {
		v.ReplyToBody = m.ReplyTo.Body
		v.ReplyToSeat = m.ReplyTo.Participant.SeatNumber
	}
	return v
}
