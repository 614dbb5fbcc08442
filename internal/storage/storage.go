package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the persistence collaborator used by the circles services.
// Uniqueness of active seats and open speaking slots is enforced by the
// database; InsertSeat and OpenSpeakingSlot report a lost race as
// apperr.ErrRetryableConflict.
type Storage interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)
	GetSessionByDeviceKey(ctx context.Context, key string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	MarkSessionVerified(ctx context.Context, id string) error
	UpdateSessionPreferences(ctx context.Context, id string, prefs SessionPreferences) error

	CreateRoom(ctx context.Context, room *models.Room) error
	ListRooms(ctx context.Context) ([]models.Room, error)
	GetRoomByID(ctx context.Context, id string) (*models.Room, error)

	FindActiveSeat(ctx context.Context, roomID, sessionID string) (*models.Participant, error)
	GetParticipantByID(ctx context.Context, id string) (*models.Participant, error)
	ActiveSeatNumbers(ctx context.Context, roomID string) ([]int, error)
	InsertSeat(ctx context.Context, seat *models.Participant) error
	LeaveRoom(ctx context.Context, roomID, sessionID string, at time.Time) (*models.Participant, *models.SpeakingSlot, error)
	ListActiveSeats(ctx context.Context, roomID string) ([]models.Participant, error)
	ListSeatsBySession(ctx context.Context, sessionID string) ([]models.Participant, error)
	TouchSeat(ctx context.Context, roomID, sessionID string, at time.Time) (bool, error)
	ExpireIdleSeats(ctx context.Context, before, at time.Time) ([]ExpiredSeat, error)

	OpenSpeakingSlot(ctx context.Context, slot *models.SpeakingSlot) error
	FindOpenSlot(ctx context.Context, roomID string) (*models.SpeakingSlot, error)
	CloseSpeakingSlot(ctx context.Context, roomID, participantID string, at time.Time) (*models.SpeakingSlot, error)
	ActiveSpeakerSeats(ctx context.Context, roomID string) ([]int, error)
	CloseOrphanedSlots(ctx context.Context, at time.Time) ([]models.SpeakingSlot, error)

	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)

	SaveAnalysis(ctx context.Context, a *models.Analysis) error

	SaveChallenge(ctx context.Context, sessionID, challengeID string, answer int, ttl time.Duration) error
	TakeChallenge(ctx context.Context, sessionID, challengeID string) (int, bool, error)
}

type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// Open connects to the database named by dsn. DSNs starting with "sqlite:"
// use the embedded SQLite driver (local development and tests); everything
// else is treated as a PostgreSQL connection string.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer; one connection keeps in-memory
		// databases alive and serializes writes instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// isUniqueViolation recognizes unique constraint failures from every dialect we run on.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
