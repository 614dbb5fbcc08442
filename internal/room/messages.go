package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"circles/backend/internal/apperr"
	"circles/backend/internal/config"
	"circles/backend/internal/models"
	"circles/backend/internal/relay"
	"circles/backend/internal/storage"
)

// Messages is the append-only message log of the rooms.
type Messages struct {
	store  storage.Storage
	events relay.Publisher
	Now    func() time.Time
}

// NewMessages Constructor
func NewMessages(store storage.Storage, events relay.Publisher) *Messages {
	return &Messages{store: store, events: events, Now: time.Now}
}

// Append stores a message from a seated participant. The body is trimmed;
// a reply must reference a message of the same room.
func (m *Messages) Append(ctx context.Context, roomID, participantID, body string, replyTo *string) (*models.MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > config.MaxMessageRunes {
		return nil, apperr.Invalid("message is longer than %d characters", config.MaxMessageRunes)
	}

	author, err := m.store.GetParticipantByID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !author.IsActive || author.RoomID != roomID {
		return nil, fmt.Errorf("participant %s is not seated in room %s: %w", participantID, roomID, apperr.ErrNotFound)
	}

	var target *models.Message
	if replyTo != nil && *replyTo != "" {
		target, err = m.store.GetMessage(ctx, *replyTo)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrInvalidReply
		}
		if err != nil {
			return nil, err
		}
		if target.RoomID != roomID {
			return nil, apperr.ErrInvalidReply
		}
	} else {
		replyTo = nil
	}

	msg := &models.Message{
		RoomID:        roomID,
		ParticipantID: participantID,
		Body:          body,
		ReplyToID:     replyTo,
		CreatedAt:     m.Now().UTC(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	notify(ctx, m.events, roomID, models.TableMessages, models.OpInsert, msg.ID, author.SessionID, msg.CreatedAt)

	msg.Participant = *author
	msg.ReplyTo = target
	view := msg.View()
	return &view, nil
}

// List returns the room's messages in creation order.
func (m *Messages) List(ctx context.Context, roomID string) ([]models.MessageView, error) {
	if _, err := m.store.GetRoomByID(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	views := make([]models.MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, msgs[i].View())
	}
	return views, nil
}

func (m *Messages) Get(ctx context.Context, id string) (*models.MessageView, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	view := msg.View()
	return &view, nil
}
