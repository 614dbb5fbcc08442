package handler

import (
	"net/http"

	"circles/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeLive upgrades to a websocket that streams the room's change events.
// The subscription is opened before the upgrade so that nothing published
// after the initial sync frame is missed.
func (h *Handler) ServeLive(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	session := currentSession(c)

	if _, err := h.Directory.Get(ctx, roomID); err != nil {
		respondError(c, err)
		return
	}
	sub, err := h.Bus.Subscribe(ctx, roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = sub.Close()
		log.Warn().Str("module", "api").Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, sub, roomID, session.ID)
	if !h.Hub.Register(client) {
		client.Close()
	}
}
