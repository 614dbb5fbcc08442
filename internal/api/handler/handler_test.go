package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circles/backend/internal/analysis"
	"circles/backend/internal/api/handler"
	"circles/backend/internal/chathub"
	"circles/backend/internal/identity"
	"circles/backend/internal/models"
	"circles/backend/internal/ratelimit"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"
	"circles/backend/internal/storage/storagetest"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct {
	err   error
	delay time.Duration
}

func (a stubAnalyzer) wait(ctx context.Context) error {
	if a.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(a.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a stubAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	if err := a.wait(ctx); err != nil {
		return analysis.Result{}, err
	}
	if a.err != nil {
		return analysis.Result{}, a.err
	}
	return analysis.Result{Text: "steady", Summary: "people shared " + req.RoomName}, nil
}

func (a stubAnalyzer) SuggestRoom(ctx context.Context, theme, _ string) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	return "A circle about " + theme, a.err
}

type apiFixture struct {
	router   *gin.Engine
	identity *identity.Service
	handler  *handler.Handler
}

type fixtureOptions struct {
	analyzer       analysis.Analyzer
	limiter        *ratelimit.Keyed
	requestTimeout time.Duration
	aiTimeout      time.Duration
}

func newAPI(t *testing.T, opts fixtureOptions) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storagetest.New(t).Storage
	bus := relay.NewLocalBus()
	ids := identity.NewService(store, "handler-test-secret", time.Hour)
	membership := room.NewMembership(store, bus, true)
	hub := chathub.NewManagerService(bus, membership)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)

	limiter := opts.limiter
	if limiter == nil {
		limiter = ratelimit.NewKeyed(1000, 1000, time.Minute)
	}
	requestTimeout := opts.requestTimeout
	if requestTimeout == 0 {
		requestTimeout = 5 * time.Second
	}
	h := &handler.Handler{
		Identity:       ids,
		Directory:      room.NewDirectory(store),
		Membership:     membership,
		Turns:          room.NewTurns(store, bus),
		Messages:       room.NewMessages(store, bus),
		Analysis:       analysis.NewService(store, opts.analyzer),
		Hub:            hub,
		Bus:            bus,
		Limiter:        limiter,
		RequestTimeout: requestTimeout,
		AITimeout:      opts.aiTimeout,
	}
	router := handler.NewRouter(h, handler.RouterOptions{CookieSecret: "cookie-secret-for-tests", Development: false})
	return &apiFixture{router: router, identity: ids, handler: h}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type sessionBody struct {
	Token   string         `json:"token"`
	Session models.Session `json:"session"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// newSession returns a token; verified sessions skip the captcha.
func (f *apiFixture) newSession(t *testing.T, verified bool) (string, string) {
	t.Helper()
	w := f.do(t, http.MethodGet, "/session", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[sessionBody](t, w)
	if verified {
		require.NoError(t, f.identity.MarkVerified(context.Background(), s.Session.ID))
	}
	return s.Token, s.Session.ID
}

func (f *apiFixture) createRoom(t *testing.T, token string, capacity int) models.Room {
	t.Helper()
	w := f.do(t, http.MethodPost, "/rooms", token, room.CreateRoomInput{
		Name: "Grief", NameFa: "سوگ", Description: "Losing someone", DescriptionFa: "از دست دادن",
		Mode: models.RoomModeAudio, Capacity: capacity,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Room](t, w)
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode[errorBody](t, w).Error)
}

func TestSession_CreateResumeAndCookie(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	first := f.do(t, http.MethodGet, "/session", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	created := decode[sessionBody](t, first)
	assert.NotEmpty(t, created.Token)
	assert.False(t, created.Session.IsVerified)

	byHeader := decode[sessionBody](t, f.do(t, http.MethodGet, "/session", created.Token, nil))
	assert.Equal(t, created.Session.ID, byHeader.Session.ID)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	for _, c := range first.Result().Cookies() {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	byCookie := decode[sessionBody](t, w)
	assert.Equal(t, created.Session.ID, byCookie.Session.ID, "cookie session resumes identity")

	garbage := decode[sessionBody](t, f.do(t, http.MethodGet, "/session", "not-a-token", nil))
	assert.NotEqual(t, created.Session.ID, garbage.Session.ID, "unusable token mints a new session")
}

func TestSession_PatchPreferences(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	token, _ := f.newSession(t, false)

	w := f.do(t, http.MethodPatch, "/session", token, map[string]any{"notifications_enabled": true, "language": "fa"})
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[sessionBody](t, w).Session
	assert.True(t, s.NotificationsEnabled)
	assert.Equal(t, "fa", s.Language)

	assertError(t, f.do(t, http.MethodPatch, "/session", token, map[string]any{"language": "xx"}), http.StatusBadRequest, "invalid_input")
}

func TestAuth_Required(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	assertError(t, f.do(t, http.MethodPost, "/rooms/some-room/join", "", nil), http.StatusUnauthorized, "unauthenticated")
	assertError(t, f.do(t, http.MethodPost, "/rooms/some-room/join", "forged", nil), http.StatusUnauthorized, "unauthenticated")
}

func TestCaptcha_VerifiesSession(t *testing.T) {
	// Arrange
	f := newAPI(t, fixtureOptions{})
	token, _ := f.newSession(t, false)
	r := f.createRoom(t, token, 3)
	assertError(t, f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", token, nil), http.StatusForbidden, "unverified")

	// Act
	w := f.do(t, http.MethodGet, "/session/captcha", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	challenge := decode[identity.Challenge](t, w)
	assertError(t, f.do(t, http.MethodPost, "/session/captcha", token,
		map[string]any{"challenge_id": challenge.ID, "answer": challenge.A + challenge.B + 1}), http.StatusBadRequest, "invalid_input")

	w = f.do(t, http.MethodGet, "/session/captcha", token, nil)
	challenge = decode[identity.Challenge](t, w)
	ok := f.do(t, http.MethodPost, "/session/captcha", token,
		map[string]any{"challenge_id": challenge.ID, "answer": challenge.A + challenge.B})

	// Assert
	assert.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", token, nil).Code)
}

func TestRooms_ListGetAndNotFound(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	token, _ := f.newSession(t, true)
	r := f.createRoom(t, token, 4)

	list := decode[struct {
		Rooms []models.Room `json:"rooms"`
	}](t, f.do(t, http.MethodGet, "/rooms", "", nil))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, r.ID, list.Rooms[0].ID)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/rooms/"+r.ID, "", nil).Code)
	assertError(t, f.do(t, http.MethodGet, "/rooms/missing", "", nil), http.StatusNotFound, "not_found")
	assertError(t, f.do(t, http.MethodPost, "/rooms", token, map[string]any{"name": "only english", "capacity": 3}), http.StatusBadRequest, "invalid_input")
}

type seatBody struct {
	SeatNumber int  `json:"seat_number"`
	IsActive   bool `json:"is_active"`
	IsYou      bool `json:"is_you"`
}

func TestMembership_CapacityAndReuse(t *testing.T) {
	// Arrange
	f := newAPI(t, fixtureOptions{})
	a, _ := f.newSession(t, true)
	b, _ := f.newSession(t, true)
	c, _ := f.newSession(t, true)
	r := f.createRoom(t, a, 2)
	join := "/rooms/" + r.ID + "/join"

	// Act + Assert
	assert.Equal(t, 1, decode[seatBody](t, f.do(t, http.MethodPost, join, a, nil)).SeatNumber)
	assert.Equal(t, 1, decode[seatBody](t, f.do(t, http.MethodPost, join, a, nil)).SeatNumber, "join is idempotent")
	assert.Equal(t, 2, decode[seatBody](t, f.do(t, http.MethodPost, join, b, nil)).SeatNumber)
	assertError(t, f.do(t, http.MethodPost, join, c, nil), http.StatusConflict, "room_full")

	left := f.do(t, http.MethodPost, "/rooms/"+r.ID+"/leave", a, nil)
	assert.Equal(t, true, decode[map[string]bool](t, left)["left"])
	again := f.do(t, http.MethodPost, "/rooms/"+r.ID+"/leave", a, nil)
	assert.Equal(t, false, decode[map[string]bool](t, again)["left"], "leaving twice is a no-op")

	assert.Equal(t, 1, decode[seatBody](t, f.do(t, http.MethodPost, join, c, nil)).SeatNumber, "freed seat is reused")

	participants := decode[struct {
		Participants []seatBody `json:"participants"`
	}](t, f.do(t, http.MethodGet, "/rooms/"+r.ID+"/participants", c, nil))
	require.Len(t, participants.Participants, 2)
	assert.NotContains(t, f.do(t, http.MethodGet, "/rooms/"+r.ID+"/participants", c, nil).Body.String(), "session_id")

	hb := f.do(t, http.MethodPost, "/rooms/"+r.ID+"/heartbeat", a, nil)
	assert.Equal(t, false, decode[map[string]bool](t, hb)["active"])
}

func TestMessages_SendAndList(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	a, _ := f.newSession(t, true)
	outsider, _ := f.newSession(t, true)
	r := f.createRoom(t, a, 3)
	f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", a, nil)
	path := "/rooms/" + r.ID + "/messages"

	assertError(t, f.do(t, http.MethodPost, path, a, map[string]any{"body": "   "}), http.StatusBadRequest, "empty_message")
	assertError(t, f.do(t, http.MethodPost, path, outsider, map[string]any{"body": "hi"}), http.StatusNotFound, "not_found")

	w := f.do(t, http.MethodPost, path, a, map[string]any{"body": "  rough week  "})
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[models.MessageView](t, w)
	assert.Equal(t, "rough week", first.Body)
	assert.Equal(t, 1, first.SeatNumber)

	reply := decode[models.MessageView](t, f.do(t, http.MethodPost, path, a, map[string]any{"body": "still here", "reply_to_id": first.ID}))
	assert.Equal(t, "rough week", reply.ReplyToBody)
	assertError(t, f.do(t, http.MethodPost, path, a, map[string]any{"body": "x", "reply_to_id": "nope"}), http.StatusBadRequest, "invalid_reply")

	list := decode[struct {
		Messages []models.MessageView `json:"messages"`
	}](t, f.do(t, http.MethodGet, path, a, nil))
	require.Len(t, list.Messages, 2)
	assert.Equal(t, first.ID, list.Messages[0].ID)
}

func TestMessages_RateLimited(t *testing.T) {
	f := newAPI(t, fixtureOptions{limiter: ratelimit.NewKeyed(0.001, 1, time.Minute)})
	a, _ := f.newSession(t, true)
	r := f.createRoom(t, a, 3)
	f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", a, nil)
	path := "/rooms/" + r.ID + "/messages"

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, path, a, map[string]any{"body": "one"}).Code)
	assertError(t, f.do(t, http.MethodPost, path, a, map[string]any{"body": "two"}), http.StatusTooManyRequests, "rate_limited")
}

func TestSpeaking_TurnTaking(t *testing.T) {
	// Arrange
	f := newAPI(t, fixtureOptions{})
	first, _ := f.newSession(t, true)
	second, _ := f.newSession(t, true)
	third, _ := f.newSession(t, true)
	r := f.createRoom(t, first, 5)
	base := "/rooms/" + r.ID
	for _, tok := range []string{first, second, third} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/join", tok, nil).Code)
	}

	// Act + Assert
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, base+"/speaking", second, nil).Code)
	assertError(t, f.do(t, http.MethodPost, base+"/speaking", third, nil), http.StatusConflict, "busy")

	speakers := decode[map[string][]int](t, f.do(t, http.MethodGet, base+"/speakers", first, nil))
	assert.Equal(t, []int{2}, speakers["seats"])

	notHolder := f.do(t, http.MethodDelete, base+"/speaking", third, nil)
	assert.Equal(t, false, decode[map[string]bool](t, notHolder)["stopped"])
	holder := f.do(t, http.MethodDelete, base+"/speaking", second, nil)
	assert.Equal(t, true, decode[map[string]bool](t, holder)["stopped"])

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, base+"/speaking", third, nil).Code)
	speakers = decode[map[string][]int](t, f.do(t, http.MethodGet, base+"/speakers", first, nil))
	assert.Equal(t, []int{3}, speakers["seats"])
}

func TestAnalysis_DisabledAndEnabled(t *testing.T) {
	disabled := newAPI(t, fixtureOptions{})
	tok, _ := disabled.newSession(t, true)
	r := disabled.createRoom(t, tok, 3)
	w := disabled.do(t, http.MethodPost, "/rooms/"+r.ID+"/analysis", tok, map[string]any{"kind": "summary"})
	assertError(t, w, http.StatusServiceUnavailable, "unavailable")
	assert.NotContains(t, w.Body.String(), "analyzer", "internal detail is not leaked")

	f := newAPI(t, fixtureOptions{analyzer: stubAnalyzer{}})
	tok, _ = f.newSession(t, true)
	r = f.createRoom(t, tok, 3)
	f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", tok, nil)
	assertError(t, f.do(t, http.MethodPost, "/rooms/"+r.ID+"/analysis", tok, map[string]any{"kind": "summary"}), http.StatusBadRequest, "invalid_input")
	for _, body := range []string{"one", "two", "three"} {
		f.do(t, http.MethodPost, "/rooms/"+r.ID+"/messages", tok, map[string]any{"body": body})
	}

	w = f.do(t, http.MethodPost, "/rooms/"+r.ID+"/analysis", tok, map[string]any{"kind": "summary"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	a := decode[models.Analysis](t, w)
	assert.Equal(t, "steady", a.Content)
	assert.Equal(t, "people shared Grief", a.Summary)

	s := decode[map[string]string](t, f.do(t, http.MethodPost, "/ai/room-suggestion", tok, map[string]any{"theme": "burnout"}))
	assert.Equal(t, "A circle about burnout", s["suggestion"])
}

func TestAnalysis_UsesAIDeadline(t *testing.T) {
	// Arrange
	f := newAPI(t, fixtureOptions{
		analyzer:       stubAnalyzer{delay: 300 * time.Millisecond},
		requestTimeout: 100 * time.Millisecond,
		aiTimeout:      2 * time.Second,
	})
	tok, _ := f.newSession(t, true)
	r := f.createRoom(t, tok, 3)
	f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", tok, nil)
	for _, body := range []string{"one", "two", "three"} {
		f.do(t, http.MethodPost, "/rooms/"+r.ID+"/messages", tok, map[string]any{"body": body})
	}

	// Act
	analysisResp := f.do(t, http.MethodPost, "/rooms/"+r.ID+"/analysis", tok, map[string]any{"kind": "summary"})
	suggestResp := f.do(t, http.MethodPost, "/ai/room-suggestion", tok, map[string]any{"theme": "burnout"})

	// Assert
	assert.Equal(t, http.StatusCreated, analysisResp.Code, analysisResp.Body.String())
	assert.Equal(t, http.StatusOK, suggestResp.Code, suggestResp.Body.String())
}

func TestAnalysis_AIDeadlineExceeded(t *testing.T) {
	f := newAPI(t, fixtureOptions{
		analyzer:  stubAnalyzer{delay: time.Second},
		aiTimeout: 50 * time.Millisecond,
	})
	tok, _ := f.newSession(t, true)

	w := f.do(t, http.MethodPost, "/ai/room-suggestion", tok, map[string]any{"theme": "sleep"})

	assertError(t, w, http.StatusGatewayTimeout, "timeout")
}

func TestAnalysis_CollaboratorFailure(t *testing.T) {
	f := newAPI(t, fixtureOptions{analyzer: stubAnalyzer{err: errors.New("upstream 500")}})
	tok, _ := f.newSession(t, true)

	w := f.do(t, http.MethodPost, "/ai/room-suggestion", tok, map[string]any{"theme": "sleep"})
	assertError(t, w, http.StatusServiceUnavailable, "unavailable")
	assert.NotContains(t, w.Body.String(), "upstream")
}

func TestHealth(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)

	f.handler.Ping = func(context.Context) error { return errors.New("db down") }
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestLive_StreamsRoomEvents(t *testing.T) {
	// Arrange
	f := newAPI(t, fixtureOptions{})
	tok, _ := f.newSession(t, true)
	r := f.createRoom(t, tok, 3)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/" + r.ID + "/live?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame models.LiveFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, chathub.FrameSync, frame.Type)

	// Act
	f.do(t, http.MethodPost, "/rooms/"+r.ID+"/join", tok, nil)

	// Assert
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "session_id")
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, chathub.FrameEvent, frame.Type)
	require.NotNil(t, frame.Event)
	assert.Equal(t, models.TableParticipants, frame.Event.Table)
	assert.Equal(t, models.OpInsert, frame.Event.Op)
}

func TestLive_RejectsUnknownRoomAndMissingToken(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	tok, _ := f.newSession(t, true)

	assertError(t, f.do(t, http.MethodGet, "/rooms/none/live", tok, nil), http.StatusNotFound, "not_found")
	assertError(t, f.do(t, http.MethodGet, "/rooms/none/live", "", nil), http.StatusUnauthorized, "unauthenticated")
}
