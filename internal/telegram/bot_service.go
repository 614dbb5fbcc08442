// Package telegram bridges Telegram chats into circles. Each chat gets an
// anonymous session bound to the device key "telegram:<chat id>", can take a
// seat in one room at a time and receives the other participants' messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/chathub"
	"circles/backend/internal/identity"
	"circles/backend/internal/localization"
	"circles/backend/internal/models"
	"circles/backend/internal/ratelimit"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const updateTimeout = 10 * time.Second

// BotAPI is the part of *tgbotapi.BotAPI the bridge uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Deps are the services the bridge drives.
type Deps struct {
	Identity   *identity.Service
	Directory  *room.Directory
	Membership *room.Membership
	Messages   *room.Messages
	Hub        *chathub.ManagerService
	Bus        relay.Bus
	Localizer  *localization.Localizer
	Limiter    *ratelimit.Keyed
}

// chatState is what the bridge remembers about a chat between updates.
type chatState struct {
	roomID      string
	client      *Client
	listing     []string
	challenge   *identity.Challenge
	pendingJoin string
	restored    bool
}

// BotService receives Telegram updates and turns them into room operations.
type BotService struct {
	BotAPI BotAPI
	Deps

	mu    sync.Mutex
	chats map[int64]*chatState
}

// NewBotService authorizes the token against the Bot API.
func NewBotService(token string, deps Deps) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	log.Info().Str("module", "telegram").Str("account", bot.Self.UserName).Msg("authorized on account")
	return NewBotServiceWithAPI(bot, deps), nil
}

func NewBotServiceWithAPI(bot BotAPI, deps Deps) *BotService {
	return &BotService{
		BotAPI: bot,
		Deps:   deps,
		chats:  make(map[int64]*chatState),
	}
}

// DeviceKey is the session device key of a Telegram chat.
func DeviceKey(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// Run is the main loop for receiving Telegram updates. It returns when ctx
// is cancelled or the update channel closes.
func (s *BotService) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			s.BotAPI.StopReceivingUpdates()
			s.detachAll()
			return nil
		case update, ok := <-updates:
			if !ok {
				s.detachAll()
				return nil
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update. Failures are reported to the chat and
// logged, never returned.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	session, err := s.Identity.GetOrCreateForDevice(ctx, DeviceKey(chatID))
	if err != nil {
		log.Error().Str("module", "telegram").Err(err).Int64("chat_id", chatID).Msg("failed to resolve session")
		s.reply(chatID, "en", "error_generic")
		return
	}
	st := s.state(chatID)
	s.restore(ctx, chatID, session, st)

	if msg.IsCommand() {
		s.handleCommand(ctx, chatID, session, st, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if st.challenge != nil {
		if answer, err := strconv.Atoi(text); err == nil {
			s.answerChallenge(ctx, chatID, session, st, answer)
			return
		}
	}
	s.handleText(ctx, chatID, session, st, msg)
}

func (s *BotService) handleCommand(ctx context.Context, chatID int64, session *models.Session, st *chatState, command, args string) {
	lang := session.Language
	switch command {
	case "start":
		s.reply(chatID, lang, "welcome")
	case "rooms":
		s.handleRooms(ctx, chatID, lang, st)
	case "join":
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 {
			s.reply(chatID, lang, "join_usage")
			return
		}
		s.handleJoin(ctx, chatID, session, st, n)
	case "leave":
		s.handleLeave(ctx, chatID, session, st)
	case "who":
		s.handleWho(ctx, chatID, lang, st)
	case "lang":
		s.handleLang(ctx, chatID, session, st, args)
	default:
		s.reply(chatID, lang, "unknown_command")
	}
}

func (s *BotService) handleRooms(ctx context.Context, chatID int64, lang string, st *chatState) {
	rooms, err := s.Directory.List(ctx)
	if err != nil {
		s.fail(chatID, lang, err, "list rooms")
		return
	}
	if len(rooms) == 0 {
		s.reply(chatID, lang, "no_rooms")
		return
	}

	st.listing = st.listing[:0]
	var b strings.Builder
	b.WriteString(s.Localizer.GetString(lang, "rooms_header"))
	for i, r := range rooms {
		st.listing = append(st.listing, r.ID)
		name, desc := roomText(r, lang)
		b.WriteString("\n")
		b.WriteString(s.Localizer.Format(lang, "room_line", i+1, name, s.Localizer.GetString(lang, "mode_"+string(r.Mode)), r.Capacity, desc))
	}
	s.send(chatID, b.String())
}

func (s *BotService) handleJoin(ctx context.Context, chatID int64, session *models.Session, st *chatState, n int) {
	lang := session.Language
	if len(st.listing) == 0 {
		rooms, err := s.Directory.List(ctx)
		if err != nil {
			s.fail(chatID, lang, err, "list rooms")
			return
		}
		for _, r := range rooms {
			st.listing = append(st.listing, r.ID)
		}
	}
	if n > len(st.listing) {
		s.reply(chatID, lang, "room_not_found")
		return
	}
	s.join(ctx, chatID, session, st, st.listing[n-1])
}

func (s *BotService) join(ctx context.Context, chatID int64, session *models.Session, st *chatState, roomID string) {
	lang := session.Language
	r, err := s.Directory.Get(ctx, roomID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.reply(chatID, lang, "room_not_found")
		return
	}
	if err != nil {
		s.fail(chatID, lang, err, "get room")
		return
	}

	if st.roomID != "" && st.roomID != roomID {
		if _, err := s.Membership.Leave(ctx, st.roomID, session.ID); err != nil {
			s.fail(chatID, lang, err, "leave previous room")
			return
		}
		s.detach(st)
	}

	p, err := s.Membership.Join(ctx, roomID, session.ID)
	switch {
	case errors.Is(err, apperr.ErrUnverified):
		st.pendingJoin = roomID
		s.askChallenge(ctx, chatID, session, st, "captcha_prompt")
		return
	case errors.Is(err, apperr.ErrRoomFull):
		s.reply(chatID, lang, "room_full")
		return
	case err != nil:
		s.fail(chatID, lang, err, "join room")
		return
	}

	if err := s.attach(ctx, chatID, session, st, p); err != nil {
		s.fail(chatID, lang, err, "subscribe")
		return
	}
	name, _ := roomText(*r, lang)
	s.send(chatID, s.Localizer.Format(lang, "joined", name, p.SeatNumber))
}

func (s *BotService) handleLeave(ctx context.Context, chatID int64, session *models.Session, st *chatState) {
	lang := session.Language
	if st.roomID == "" {
		s.reply(chatID, lang, "not_in_room")
		return
	}
	if _, err := s.Membership.Leave(ctx, st.roomID, session.ID); err != nil {
		s.fail(chatID, lang, err, "leave room")
		return
	}
	s.detach(st)
	s.reply(chatID, lang, "left")
}

func (s *BotService) handleWho(ctx context.Context, chatID int64, lang string, st *chatState) {
	if st.roomID == "" {
		s.reply(chatID, lang, "not_in_room")
		return
	}
	r, err := s.Directory.Get(ctx, st.roomID)
	if err != nil {
		s.fail(chatID, lang, err, "get room")
		return
	}
	seats, err := s.Membership.ListActive(ctx, st.roomID)
	if err != nil {
		s.fail(chatID, lang, err, "list participants")
		return
	}
	numbers := make([]string, 0, len(seats))
	for _, p := range seats {
		numbers = append(numbers, "#"+strconv.Itoa(p.SeatNumber))
	}
	name, _ := roomText(*r, lang)
	s.send(chatID, s.Localizer.Format(lang, "who", name, strings.Join(numbers, ", ")))
}

func (s *BotService) handleLang(ctx context.Context, chatID int64, session *models.Session, st *chatState, lang string) {
	if !identity.SupportedLanguages[lang] {
		s.reply(chatID, session.Language, "lang_usage")
		return
	}
	if err := s.Identity.SetLanguage(ctx, session.ID, lang); err != nil {
		s.fail(chatID, session.Language, err, "set language")
		return
	}
	if st.client != nil {
		seat, _ := st.client.seatAndLang()
		st.client.Update(seat, lang)
	}
	s.reply(chatID, lang, "lang_set")
}

func (s *BotService) askChallenge(ctx context.Context, chatID int64, session *models.Session, st *chatState, key string) {
	c, err := s.Identity.NewChallenge(ctx, session.ID)
	if err != nil {
		s.fail(chatID, session.Language, err, "new challenge")
		return
	}
	st.challenge = c
	s.send(chatID, s.Localizer.Format(session.Language, key, c.Question))
}

func (s *BotService) answerChallenge(ctx context.Context, chatID int64, session *models.Session, st *chatState, answer int) {
	lang := session.Language
	if !s.Limiter.Allow("captcha:" + session.ID) {
		s.reply(chatID, lang, "rate_limited")
		return
	}

	c := st.challenge
	st.challenge = nil
	err := s.Identity.Verify(ctx, session.ID, c.ID, answer)
	if errors.Is(err, apperr.ErrInvalidInput) {
		s.askChallenge(ctx, chatID, session, st, "captcha_wrong")
		return
	}
	if err != nil {
		s.fail(chatID, lang, err, "verify challenge")
		return
	}
	s.reply(chatID, lang, "captcha_ok")

	if roomID := st.pendingJoin; roomID != "" {
		st.pendingJoin = ""
		session.IsVerified = true
		s.join(ctx, chatID, session, st, roomID)
	}
}

func (s *BotService) handleText(ctx context.Context, chatID int64, session *models.Session, st *chatState, msg *tgbotapi.Message) {
	lang := session.Language
	if st.roomID == "" {
		s.reply(chatID, lang, "not_in_room")
		return
	}
	if !s.Limiter.Allow("message:" + session.ID) {
		s.reply(chatID, lang, "rate_limited")
		return
	}

	p, err := s.Membership.SeatOf(ctx, st.roomID, session.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		// The seat expired while the chat was quiet.
		s.detach(st)
		s.reply(chatID, lang, "not_in_room")
		return
	}
	if err != nil {
		s.fail(chatID, lang, err, "find seat")
		return
	}

	var replyTo *string
	if msg.ReplyToMessage != nil && st.client != nil {
		if id, ok := st.client.MessageFor(msg.ReplyToMessage.MessageID); ok {
			replyTo = &id
		}
	}

	view, err := s.Messages.Append(ctx, st.roomID, p.ID, msg.Text, replyTo)
	switch {
	case errors.Is(err, apperr.ErrEmptyMessage):
		s.reply(chatID, lang, "empty_message")
		return
	case errors.Is(err, apperr.ErrInvalidInput):
		s.reply(chatID, lang, "message_too_long")
		return
	case err != nil:
		s.fail(chatID, lang, err, "append message")
		return
	}
	if st.client != nil {
		st.client.track(msg.MessageID, view.ID)
	}
	if _, err := s.Membership.Touch(ctx, st.roomID, session.ID); err != nil {
		log.Warn().Str("module", "telegram").Err(err).Int64("chat_id", chatID).Msg("seat not touched")
	}
}

// restore reattaches a chat to a seat it still holds, e.g. after a restart.
func (s *BotService) restore(ctx context.Context, chatID int64, session *models.Session, st *chatState) {
	if st.restored {
		return
	}
	st.restored = true
	if st.roomID != "" {
		return
	}
	seats, err := s.Membership.SeatsOf(ctx, session.ID)
	if err != nil || len(seats) == 0 {
		return
	}
	p := seats[0]
	if err := s.attach(ctx, chatID, session, st, &p); err != nil {
		log.Warn().Str("module", "telegram").Err(err).Int64("chat_id", chatID).Msg("could not restore chat")
		return
	}
	log.Info().Str("module", "telegram").Int64("chat_id", chatID).Str("room_id", p.RoomID).Msg("chat restored to room")
}

func (s *BotService) attach(ctx context.Context, chatID int64, session *models.Session, st *chatState, p *models.Participant) error {
	if st.client != nil && st.client.RoomID == p.RoomID {
		st.client.Update(p.SeatNumber, session.Language)
		st.roomID = p.RoomID
		return nil
	}
	s.detach(st)

	sub, err := s.Bus.Subscribe(ctx, p.RoomID)
	if err != nil {
		return err
	}
	client := NewClient(chatID, session.ID, p, session.Language, s.BotAPI, s.Bus, sub, s.Messages, s.Localizer)
	if !s.Hub.Register(client) {
		client.Close()
		return fmt.Errorf("hub stopped: %w", apperr.ErrUnavailable)
	}
	st.roomID, st.client = p.RoomID, client
	return nil
}

func (s *BotService) detach(st *chatState) {
	if st.client != nil {
		s.Hub.Unregister(st.client)
	}
	st.roomID, st.client = "", nil
}

func (s *BotService) detachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.chats {
		if st.client != nil {
			st.client.Close()
			st.client = nil
		}
	}
}

func (s *BotService) state(chatID int64) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.chats[chatID]
	if !ok {
		st = &chatState{}
		s.chats[chatID] = st
	}
	return st
}

func (s *BotService) reply(chatID int64, lang, key string) {
	s.send(chatID, s.Localizer.GetString(lang, key))
}

func (s *BotService) send(chatID int64, text string) {
	if _, err := s.BotAPI.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Error().Str("module", "telegram").Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (s *BotService) fail(chatID int64, lang string, err error, op string) {
	log.Error().Str("module", "telegram").Err(err).Int64("chat_id", chatID).Str("op", op).Msg("bridge operation failed")
	s.reply(chatID, lang, "error_generic")
}

func roomText(r models.Room, lang string) (name, description string) {
	if lang == "fa" {
		return r.NameFa, r.DescriptionFa
	}
	return r.Name, r.Description
}
