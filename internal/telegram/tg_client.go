package telegram

import (
	"context"
	"sync"
	"time"

	"circles/backend/internal/localization"
	"circles/backend/internal/models"
	"circles/backend/internal/relay"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	fetchTimeout = 5 * time.Second
	// maxTracked bounds the Telegram-id to message-id map kept per chat.
	maxTracked = 500
)

// MessageReader resolves a relay event to the message it announces.
type MessageReader interface {
	Get(ctx context.Context, id string) (*models.MessageView, error)
}

// Client implements chathub.Client for one Telegram chat seated in one room.
// It forwards messages written by the other participants.
type Client struct {
	ChatID    int64
	SessionID string
	RoomID    string
	Seat      int
	Lang      string

	BotAPI    BotAPI
	Bus       relay.Bus
	Messages  MessageReader
	Localizer *localization.Localizer

	sub       *relay.Subscription
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	tracked map[int]string
	order   []int
}

func NewClient(chatID int64, sessionID string, p *models.Participant, lang string, bot BotAPI, bus relay.Bus, sub *relay.Subscription, messages MessageReader, loc *localization.Localizer) *Client {
	return &Client{
		ChatID:    chatID,
		SessionID: sessionID,
		RoomID:    p.RoomID,
		Seat:      p.SeatNumber,
		Lang:      lang,
		BotAPI:    bot,
		Bus:       bus,
		Messages:  messages,
		Localizer: loc,
		sub:       sub,
		done:      make(chan struct{}),
		tracked:   make(map[int]string),
	}
}

// Update refreshes the seat and language after a rejoin or /lang.
func (c *Client) Update(seat int, lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Seat, c.Lang = seat, lang
}

func (c *Client) seatAndLang() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Seat, c.Lang
}

func (c *Client) GetSessionID() string { return c.SessionID }
func (c *Client) GetRoomID() string    { return c.RoomID }

// Run starts the forwarding goroutine.
func (c *Client) Run() {
	go c.forward()
}

// Close stops forwarding and releases the relay subscription.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.subscription().Close()
	})
}

// MessageFor maps a forwarded Telegram message back to the room message.
func (c *Client) MessageFor(telegramMessageID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tracked[telegramMessageID]
	return id, ok
}

func (c *Client) subscription() *relay.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Client) forward() {
	logger := log.With().Str("module", "telegram").Int64("chat_id", c.ChatID).Str("room_id", c.RoomID).Logger()
	for {
		sub := c.subscription()
		for ev := range sub.Events() {
			c.deliver(ev)
		}

		select {
		case <-c.done:
			return
		default:
		}
		if !sub.Lagged() {
			return
		}

		// A Telegram chat has no resync step; reattach and carry on.
		logger.Warn().Msg("relay subscription lagged, resubscribing")
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		next, err := c.Bus.Subscribe(ctx, c.RoomID)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("resubscribe failed, forwarding stopped")
			return
		}
		c.mu.Lock()
		c.sub = next
		c.mu.Unlock()

		select {
		case <-c.done:
			next.Close()
			return
		default:
		}
	}
}

func (c *Client) deliver(ev relay.Event) {
	if ev.Table != models.TableMessages || ev.Op != models.OpInsert {
		return
	}
	if ev.SessionID != "" && ev.SessionID == c.SessionID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	msg, err := c.Messages.Get(ctx, ev.RowID)
	if err != nil {
		log.Warn().Str("module", "telegram").Err(err).Str("message_id", ev.RowID).Msg("could not load forwarded message")
		return
	}
	seat, lang := c.seatAndLang()
	if msg.RoomID != c.RoomID || msg.SeatNumber == seat {
		return
	}

	text := c.Localizer.Format(lang, "incoming", msg.SeatNumber, msg.Body)
	if msg.ReplyToID != nil {
		text = c.Localizer.Format(lang, "incoming_reply", msg.SeatNumber, msg.ReplyToSeat, msg.Body)
	}

	sent, err := c.BotAPI.Send(tgbotapi.NewMessage(c.ChatID, text))
	if err != nil {
		log.Error().Str("module", "telegram").Err(err).Int64("chat_id", c.ChatID).Msg("failed to forward message")
		return
	}
	c.track(sent.MessageID, msg.ID)
}

func (c *Client) track(telegramMessageID int, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[telegramMessageID] = messageID
	c.order = append(c.order, telegramMessageID)
	if len(c.order) > maxTracked {
		delete(c.tracked, c.order[0])
		c.order = c.order[1:]
	}
}
