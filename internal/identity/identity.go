// Package identity issues anonymous sessions. A browser keeps its session as
// a signed token; bridge clients such as the Telegram bot are bound by a
// device key instead. Sessions carry no personal data.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"
	"circles/backend/internal/storage"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const issuer = "circles-service"

// SupportedLanguages are the UI languages a session may select.
var SupportedLanguages = map[string]bool{"en": true, "fa": true}

// Claims is the payload of a session token.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type Service struct {
	store  storage.Storage
	secret []byte
	ttl    time.Duration
	Now    func() time.Time
}

func NewService(store storage.Storage, secret string, ttl time.Duration) *Service {
	return &Service{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		Now:    time.Now,
	}
}

// Issue signs a token for the session.
func (s *Service) Issue(sessionID string) (string, error) {
	now := s.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a token and returns the session id it names.
func (s *Service) Parse(tokenString string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err)
	}
	if claims.SessionID == "" {
		return "", fmt.Errorf("%w: token has no session", apperr.ErrUnauthenticated)
	}
	return claims.SessionID, nil
}

// Authenticate resolves a token to its session without creating one.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*models.Session, error) {
	sid, err := s.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	session, err := s.store.GetSessionByID(ctx, sid)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s no longer exists", apperr.ErrUnauthenticated, sid)
	}
	return session, err
}

// GetOrCreate returns the session named by token, refreshing its last
// activity, or mints a new unverified session when the token is missing,
// invalid or stale. A freshly signed token is always returned.
func (s *Service) GetOrCreate(ctx context.Context, token string) (*models.Session, string, error) {
	if token != "" {
		session, err := s.Authenticate(ctx, token)
		switch {
		case err == nil:
			if err := s.touch(ctx, session); err != nil {
				return nil, "", err
			}
			fresh, err := s.Issue(session.ID)
			if err != nil {
				return nil, "", fmt.Errorf("sign token: %w", err)
			}
			return session, fresh, nil
		case !errors.Is(err, apperr.ErrUnauthenticated):
			return nil, "", err
		}
		log.Debug().Str("module", "identity").Err(err).Msg("discarding unusable token")
	}

	now := s.Now().UTC()
	session := &models.Session{CreatedAt: now, LastActive: now}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, "", err
	}
	fresh, err := s.Issue(session.ID)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	log.Info().Str("module", "identity").Str("session_id", session.ID).Msg("session created")
	return session, fresh, nil
}

// GetOrCreateForDevice returns the session bound to deviceKey, creating it
// on first contact.
func (s *Service) GetOrCreateForDevice(ctx context.Context, deviceKey string) (*models.Session, error) {
	if deviceKey == "" {
		return nil, apperr.Invalid("device key is required")
	}
	for attempt := 0; attempt < 2; attempt++ {
		session, err := s.store.GetSessionByDeviceKey(ctx, deviceKey)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, s.touch(ctx, session)
		}

		now := s.Now().UTC()
		key := deviceKey
		session = &models.Session{DeviceKey: &key, CreatedAt: now, LastActive: now}
		err = s.store.CreateSession(ctx, session)
		if errors.Is(err, apperr.ErrRetryableConflict) {
			// a concurrent first contact created it; read it back
			continue
		}
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return nil, apperr.Unavailable("create device session", apperr.ErrRetryableConflict)
}

func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSessionByID(ctx, sessionID)
}

func (s *Service) MarkVerified(ctx context.Context, sessionID string) error {
	return s.store.MarkSessionVerified(ctx, sessionID)
}

func (s *Service) SetNotifications(ctx context.Context, sessionID string, enabled bool) error {
	return s.store.UpdateSessionPreferences(ctx, sessionID, storage.SessionPreferences{NotificationsEnabled: &enabled})
}

func (s *Service) SetLanguage(ctx context.Context, sessionID, lang string) error {
	if !SupportedLanguages[lang] {
		return apperr.Invalid("unsupported language %q", lang)
	}
	return s.store.UpdateSessionPreferences(ctx, sessionID, storage.SessionPreferences{Language: &lang})
}

func (s *Service) touch(ctx context.Context, session *models.Session) error {
	now := s.Now().UTC()
	if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
		return err
	}
	session.LastActive = now
	return nil
}
