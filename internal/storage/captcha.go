package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"circles/backend/internal/apperr"

	"github.com/redis/go-redis/v9"
)

func challengeKey(sessionID, challengeID string) string {
	return fmt.Sprintf("circles:captcha:%s:%s", sessionID, challengeID)
}

// SaveChallenge stores the expected captcha answer for ttl.
func (s *Service) SaveChallenge(ctx context.Context, sessionID, challengeID string, answer int, ttl time.Duration) error {
	if s.Redis == nil {
		return apperr.Unavailable("save challenge", errors.New("redis is not configured"))
	}
	if err := s.Redis.Set(ctx, challengeKey(sessionID, challengeID), answer, ttl).Err(); err != nil {
		return apperr.Unavailable("save challenge", err)
	}
	return nil
}

// TakeChallenge returns and deletes the stored answer. A challenge can be
// answered once; ok is false when it expired or was already used.
func (s *Service) TakeChallenge(ctx context.Context, sessionID, challengeID string) (int, bool, error) {
	if s.Redis == nil {
		return 0, false, apperr.Unavailable("take challenge", errors.New("redis is not configured"))
	}
	val, err := s.Redis.GetDel(ctx, challengeKey(sessionID, challengeID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Unavailable("take challenge", err)
	}
	answer, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt challenge value %q: %w", val, err)
	}
	return answer, true, nil
}
