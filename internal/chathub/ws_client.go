package chathub

import (
	"encoding/json"
	"sync"
	"time"

	"circles/backend/internal/models"
	"circles/backend/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Frame types exchanged on the live socket.
const (
	FrameSync     = "sync"
	FrameEvent    = "event"
	FrameActivity = "activity"
)

// WebSocketClient streams one room's events to a browser. It owns its relay
// subscription.
type WebSocketClient struct {
	SessionID string
	RoomID    string
	Conn      *websocket.Conn
	Hub       *ManagerService
	Sub       *relay.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, sub *relay.Subscription, roomID, sessionID string) *WebSocketClient {
	return &WebSocketClient{
		SessionID: sessionID,
		RoomID:    roomID,
		Conn:      conn,
		Hub:       hub,
		Sub:       sub,
		done:      make(chan struct{}),
	}
}

func (c *WebSocketClient) GetSessionID() string { return c.SessionID }
func (c *WebSocketClient) GetRoomID() string    { return c.RoomID }

// Run starts the read and write pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Sub.Close()
		_ = c.Conn.Close()
	})
}

// readPump only understands activity hints; everything else is ignored.
func (c *WebSocketClient) readPump() {
	defer c.Hub.Unregister(c)

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("module", "chathub").Err(err).Str("room_id", c.RoomID).Msg("websocket read failed")
			}
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Debug().Str("module", "chathub").Err(err).Msg("ignoring malformed frame")
			continue
		}
		if frame.Type == FrameActivity {
			c.Hub.RecordActivity(c.RoomID, c.SessionID)
		}
	}
}

// writePump sends the initial sync frame, then relays events and pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Hub.Unregister(c)
	}()

	if err := c.write(models.LiveFrame{Type: FrameSync}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-c.Sub.Events():
			if !ok {
				// closed or lagged: make the client reconnect and resync
				_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync"))
				return
			}
			if err := c.write(models.LiveFrame{Type: FrameEvent, Event: ev.Live()}); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *WebSocketClient) write(frame models.LiveFrame) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteJSON(frame); err != nil {
		log.Debug().Str("module", "chathub").Err(err).Str("room_id", c.RoomID).Msg("websocket write failed")
		return err
	}
	return nil
}
