package identity

import (
	"context"
	"fmt"
	"math/rand/v2"

	"circles/backend/internal/apperr"
	"circles/backend/internal/config"

	"github.com/google/uuid"
)

// Challenge is an arithmetic question. It is friction against casual
// scripts, not a security boundary.
type Challenge struct {
	ID       string `json:"challenge_id"`
	A        int    `json:"a"`
	B        int    `json:"b"`
	Question string `json:"question"`
}

// NewChallenge stores a fresh a+b question for the session.
func (s *Service) NewChallenge(ctx context.Context, sessionID string) (*Challenge, error) {
	if _, err := s.store.GetSessionByID(ctx, sessionID); err != nil {
		return nil, err
	}
	span := config.CaptchaMaxOperand - config.CaptchaMinOperand + 1
	c := &Challenge{
		ID: uuid.New().String(),
		A:  config.CaptchaMinOperand + rand.IntN(span),
		B:  config.CaptchaMinOperand + rand.IntN(span),
	}
	c.Question = fmt.Sprintf("%d + %d", c.A, c.B)

	if err := s.store.SaveChallenge(ctx, sessionID, c.ID, c.A+c.B, config.CaptchaTTL); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify checks an answer and marks the session verified on success. A
// challenge is consumed by the first answer, right or wrong.
func (s *Service) Verify(ctx context.Context, sessionID, challengeID string, answer int) error {
	want, ok, err := s.store.TakeChallenge(ctx, sessionID, challengeID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Invalid("challenge expired or already answered")
	}
	if answer != want {
		return apperr.Invalid("wrong answer")
	}
	return s.MarkVerified(ctx, sessionID)
}
