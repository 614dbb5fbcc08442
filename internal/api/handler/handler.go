// Package handler exposes the circles services over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"circles/backend/internal/analysis"
	"circles/backend/internal/apperr"
	"circles/backend/internal/chathub"
	"circles/backend/internal/identity"
	"circles/backend/internal/ratelimit"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler holds the services the routes call into.
type Handler struct {
	Identity   *identity.Service
	Directory  *room.Directory
	Membership *room.Membership
	Turns      *room.Turns
	Messages   *room.Messages
	Analysis   *analysis.Service
	Hub        *chathub.ManagerService
	Bus        relay.Bus
	Limiter    *ratelimit.Keyed

	RequestTimeout time.Duration
	// AITimeout bounds the analysis routes instead of RequestTimeout.
	AITimeout time.Duration
	// Ping checks the database for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps the service error taxonomy to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrRoomFull):
		return http.StatusConflict, "room_full"
	case errors.Is(err, apperr.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, apperr.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, apperr.ErrInvalidReply):
		return http.StatusBadRequest, "invalid_reply"
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, apperr.ErrUnverified):
		return http.StatusForbidden, "unverified"
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, apperr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

// respondError writes err. Infrastructure failures are logged and reported
// without detail.
func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if !apperr.IsBusinessOutcome(err) {
		log.Error().Str("module", "api").Err(err).
			Str("method", c.Request.Method).Str("path", c.FullPath()).Int("status", status).
			Msg("request failed")
		msg = "the service is temporarily unavailable, please retry"
		if status == http.StatusGatewayTimeout {
			msg = "the request took too long, please retry"
		}
	}
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: msg})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, apperr.Invalid("malformed request body: %v", err))
}

// Timeout bounds each request's context by RequestTimeout.
func (h *Handler) Timeout() gin.HandlerFunc {
	return timeout(h.RequestTimeout)
}

// AIDeadline bounds the analysis routes by AITimeout, falling back to
// RequestTimeout when unset.
func (h *Handler) AIDeadline() gin.HandlerFunc {
	if h.AITimeout > 0 {
		return timeout(h.AITimeout)
	}
	return timeout(h.RequestTimeout)
}

func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// allow applies the keyed rate limiter; a nil limiter allows everything.
func (h *Handler) allow(c *gin.Context, key string) bool {
	if h.Limiter == nil || h.Limiter.Allow(key) {
		return true
	}
	respondError(c, apperr.ErrRateLimited)
	return false
}

// Health reports liveness and, when configured, database reachability.
func (h *Handler) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			log.Warn().Str("module", "api").Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "live_clients": h.Hub.Total()})
}
