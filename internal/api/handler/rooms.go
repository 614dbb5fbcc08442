package handler

import (
	"net/http"
	"time"

	"circles/backend/internal/models"
	"circles/backend/internal/room"

	"github.com/gin-gonic/gin"
)

// seatView is a participant as other people see it: a number, never a session.
type seatView struct {
	ID         string     `json:"id"`
	SeatNumber int        `json:"seat_number"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	IsYou      bool       `json:"is_you"`
}

func viewSeat(p models.Participant, sessionID string) seatView {
	return seatView{
		ID:         p.ID,
		SeatNumber: p.SeatNumber,
		JoinedAt:   p.JoinedAt,
		LeftAt:     p.LeftAt,
		IsActive:   p.IsActive,
		IsYou:      p.SessionID == sessionID,
	}
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req room.CreateRoomInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := h.Directory.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Directory.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) GetRoom(c *gin.Context) {
	r, err := h.Directory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// JoinRoom seats the caller, returning the existing seat on a repeat call.
func (h *Handler) JoinRoom(c *gin.Context) {
	session := currentSession(c)
	p, err := h.Membership.Join(c.Request.Context(), c.Param("id"), session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSeat(*p, session.ID))
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	left, err := h.Membership.Leave(c.Request.Context(), c.Param("id"), currentSession(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": left})
}

// Heartbeat extends the caller's idle lease.
func (h *Handler) Heartbeat(c *gin.Context) {
	active, err := h.Membership.Touch(c.Request.Context(), c.Param("id"), currentSession(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (h *Handler) ListParticipants(c *gin.Context) {
	session := currentSession(c)
	seats, err := h.Membership.ListActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]seatView, 0, len(seats))
	for _, p := range seats {
		out = append(out, viewSeat(p, session.ID))
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

type messageRequest struct {
	Body      string  `json:"body"`
	ReplyToID *string `json:"reply_to_id"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	session := currentSession(c)
	if !h.allow(c, "message:"+session.ID) {
		return
	}

	roomID := c.Param("id")
	p, err := h.Membership.SeatOf(ctx, roomID, session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	msg, err := h.Messages.Append(ctx, roomID, p.ID, req.Body, req.ReplyToID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.Messages.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// StartSpeaking claims the room's voice turn for the caller's seat.
func (h *Handler) StartSpeaking(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	p, err := h.Membership.SeatOf(ctx, roomID, currentSession(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	slot, err := h.Turns.StartSpeaking(ctx, p.ID, roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"slot": slot, "seat_number": p.SeatNumber})
}

func (h *Handler) StopSpeaking(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	p, err := h.Membership.SeatOf(ctx, roomID, currentSession(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	stopped, err := h.Turns.StopSpeaking(ctx, p.ID, roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (h *Handler) ListSpeakers(c *gin.Context) {
	seats, err := h.Turns.ActiveSpeakers(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seats": seats})
}
