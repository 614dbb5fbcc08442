package handler

import (
	"net/http"
	"strings"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	cookieName      = "circles_session"
	cookieTokenKey  = "token"
	ctxSessionKey   = "session"
	queryTokenParam = "token"
)

// tokenFrom looks for a session token in the Authorization header, the
// token query parameter and the cookie session, in that order.
func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if t := c.Query(queryTokenParam); t != "" {
		return t
	}
	if t, ok := sessions.Default(c).Get(cookieTokenKey).(string); ok {
		return t
	}
	return ""
}

func rememberToken(c *gin.Context, token string) {
	s := sessions.Default(c)
	s.Set(cookieTokenKey, token)
	_ = s.Save()
}

// RequireSession rejects requests without a valid token and stores the
// session in the gin context.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c)
		if token == "" {
			respondError(c, apperr.ErrUnauthenticated)
			return
		}
		session, err := h.Identity.Authenticate(c.Request.Context(), token)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(ctxSessionKey, session)
		c.Next()
	}
}

func currentSession(c *gin.Context) *models.Session {
	return c.MustGet(ctxSessionKey).(*models.Session)
}

type sessionResponse struct {
	Token   string          `json:"token,omitempty"`
	Session *models.Session `json:"session"`
}

// GetSession resumes the caller's session or mints a new one.
func (h *Handler) GetSession(c *gin.Context) {
	session, token, err := h.Identity.GetOrCreate(c.Request.Context(), tokenFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	rememberToken(c, token)
	c.JSON(http.StatusOK, sessionResponse{Token: token, Session: session})
}

type sessionPatch struct {
	NotificationsEnabled *bool   `json:"notifications_enabled"`
	Language             *string `json:"language"`
}

// PatchSession updates the session's preferences.
func (h *Handler) PatchSession(c *gin.Context) {
	var req sessionPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	session := currentSession(c)

	if req.NotificationsEnabled != nil {
		if err := h.Identity.SetNotifications(ctx, session.ID, *req.NotificationsEnabled); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Language != nil {
		if err := h.Identity.SetLanguage(ctx, session.ID, *req.Language); err != nil {
			respondError(c, err)
			return
		}
	}

	updated, err := h.Identity.Get(ctx, session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: updated})
}

// GetCaptcha issues a new arithmetic challenge.
func (h *Handler) GetCaptcha(c *gin.Context) {
	session := currentSession(c)
	if !h.allow(c, "captcha:"+session.ID) {
		return
	}
	challenge, err := h.Identity.NewChallenge(c.Request.Context(), session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

type captchaAnswer struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Answer      *int   `json:"answer" binding:"required"`
}

// PostCaptcha verifies an answer; a correct one marks the session verified.
func (h *Handler) PostCaptcha(c *gin.Context) {
	var req captchaAnswer
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session := currentSession(c)
	if !h.allow(c, "captcha:"+session.ID) {
		return
	}
	if err := h.Identity.Verify(c.Request.Context(), session.ID, req.ChallengeID, *req.Answer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}
