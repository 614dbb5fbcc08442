package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/config"
	"circles/backend/internal/models"
	"circles/backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// Service runs analyses over the message log and records them.
type Service struct {
	store    storage.Storage
	analyzer Analyzer
	Now      func() time.Time
}

// NewService returns a Service. A nil analyzer disables the feature: every
// call fails with apperr.ErrUnavailable.
func NewService(store storage.Storage, analyzer Analyzer) *Service {
	return &Service{store: store, analyzer: analyzer, Now: time.Now}
}

func (s *Service) Enabled() bool { return s.analyzer != nil }

// Request analyzes the room's conversation on behalf of a session.
func (s *Service) Request(ctx context.Context, sessionID, roomID string, kind models.AnalysisKind) (*models.Analysis, error) {
	if kind == "" {
		kind = models.AnalysisRealtime
	}
	if !config.AnalysisKinds[string(kind)] {
		return nil, apperr.Invalid("unknown analysis kind %q", kind)
	}
	if !s.Enabled() {
		return nil, apperr.Unavailable("analyze", fmt.Errorf("no analyzer configured"))
	}

	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(msgs) < config.MinAnalysisMessages {
		return nil, apperr.Invalid("at least %d messages are needed for an analysis", config.MinAnalysisMessages)
	}

	res, err := s.analyzer.Analyze(ctx, Request{
		RoomName:   room.Name,
		Kind:       kind,
		Transcript: Transcript(msgs, config.MaxTranscriptLines),
	})
	if err != nil {
		log.Error().Str("module", "analysis").Err(err).Str("room_id", roomID).Msg("analysis failed")
		return nil, apperr.Unavailable("analyze", err)
	}

	record := &models.Analysis{
		SessionID:   sessionID,
		RoomID:      roomID,
		Kind:        kind,
		Content:     res.Text,
		Summary:     res.Summary,
		Insights:    res.Insights,
		Suggestions: res.Suggestions,
		CreatedAt:   s.Now().UTC(),
	}
	if err := s.store.SaveAnalysis(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// SuggestRoom asks the model for a new room around theme.
func (s *Service) SuggestRoom(ctx context.Context, theme, description string) (string, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return "", apperr.Invalid("theme is required")
	}
	if !s.Enabled() {
		return "", apperr.Unavailable("suggest room", fmt.Errorf("no analyzer configured"))
	}
	text, err := s.analyzer.SuggestRoom(ctx, theme, strings.TrimSpace(description))
	if err != nil {
		log.Error().Str("module", "analysis").Err(err).Msg("room suggestion failed")
		return "", apperr.Unavailable("suggest room", err)
	}
	return text, nil
}

// Transcript renders the last limit messages as "Participant N: body" lines.
func Transcript(msgs []models.Message, limit int) []string {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("Participant %d: %s", m.Participant.SeatNumber, m.Body))
	}
	return lines
}
