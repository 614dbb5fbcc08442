package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/config"
	"circles/backend/internal/models"
	"circles/backend/internal/storage"
)

// CreateRoomInput describes a new room. Display fields are required in both
// English and Persian.
type CreateRoomInput struct {
	Name          string          `json:"name" yaml:"name"`
	NameFa        string          `json:"name_fa" yaml:"name_fa"`
	Description   string          `json:"description" yaml:"description"`
	DescriptionFa string          `json:"description_fa" yaml:"description_fa"`
	Mode          models.RoomMode `json:"mode" yaml:"mode"`
	Capacity      int             `json:"capacity" yaml:"capacity"`
	IsAICreated   bool            `json:"is_ai_created" yaml:"is_ai_created"`
}

func (in *CreateRoomInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.NameFa = strings.TrimSpace(in.NameFa)
	in.Description = strings.TrimSpace(in.Description)
	in.DescriptionFa = strings.TrimSpace(in.DescriptionFa)
	if in.Mode == "" {
		in.Mode = models.RoomModeText
	}
}

// Validate reports the first problem with the input as apperr.ErrInvalidInput.
func (in CreateRoomInput) Validate() error {
	in.normalize()
	switch {
	case in.Name == "" || in.NameFa == "":
		return apperr.Invalid("room name is required in both languages")
	case in.Description == "" || in.DescriptionFa == "":
		return apperr.Invalid("room description is required in both languages")
	case !config.RoomModes[string(in.Mode)]:
		return apperr.Invalid("unknown room mode %q", in.Mode)
	case in.Capacity < config.MinRoomCapacity || in.Capacity > config.MaxRoomCapacity:
		return apperr.Invalid("capacity must be between %d and %d", config.MinRoomCapacity, config.MaxRoomCapacity)
	}
	return nil
}

// Directory creates and looks up rooms.
type Directory struct {
	store storage.Storage
	Now   func() time.Time
}

// NewDirectory Constructor
func NewDirectory(store storage.Storage) *Directory {
	return &Directory{store: store, Now: time.Now}
}

func (d *Directory) Create(ctx context.Context, in CreateRoomInput) (*models.Room, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	in.normalize()

	now := d.Now().UTC()
	room := &models.Room{
		Name:          in.Name,
		NameFa:        in.NameFa,
		Description:   in.Description,
		DescriptionFa: in.DescriptionFa,
		Mode:          in.Mode,
		Capacity:      in.Capacity,
		IsAICreated:   in.IsAICreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// List returns every room, newest first.
func (d *Directory) List(ctx context.Context) ([]models.Room, error) {
	return d.store.ListRooms(ctx)
}

func (d *Directory) Get(ctx context.Context, id string) (*models.Room, error) {
	return d.store.GetRoomByID(ctx, id)
}

// Seed creates rooms in order and stops at the first invalid one. Rooms
// created before the failure are returned.
func (d *Directory) Seed(ctx context.Context, inputs []CreateRoomInput) ([]models.Room, error) {
	created := make([]models.Room, 0, len(inputs))
	for i, in := range inputs {
		room, err := d.Create(ctx, in)
		if err != nil {
			return created, fmt.Errorf("room #%d: %w", i+1, err)
		}
		created = append(created, *room)
	}
	return created, nil
}
