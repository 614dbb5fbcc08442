package room_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"circles/backend/internal/apperr"
	"circles/backend/internal/models"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"
	"circles/backend/internal/storage"
	"circles/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one second on every reading so rows get distinct timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store      *storage.Service
	bus        *relay.LocalBus
	clock      *fakeClock
	directory  *room.Directory
	membership *room.Membership
	turns      *room.Turns
	messages   *room.Messages
}

func newFixture(t *testing.T, requireVerified bool) *fixture {
	t.Helper()
	store := storagetest.New(t).Storage
	bus := relay.NewLocalBus()
	clock := newClock()

	f := &fixture{
		store:      store,
		bus:        bus,
		clock:      clock,
		directory:  room.NewDirectory(store),
		membership: room.NewMembership(store, bus, requireVerified),
		turns:      room.NewTurns(store, bus),
		messages:   room.NewMessages(store, bus),
	}
	f.directory.Now = clock.Now
	f.membership.Now = clock.Now
	f.turns.Now = clock.Now
	f.messages.Now = clock.Now
	return f
}

func (f *fixture) room(t *testing.T, capacity int) *models.Room {
	t.Helper()
	r, err := f.directory.Create(context.Background(), room.CreateRoomInput{
		Name: "Anxiety", NameFa: "اضطراب",
		Description: "A calm place", DescriptionFa: "جای آرام",
		Mode: models.RoomModeAudio, Capacity: capacity,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) session(t *testing.T) string {
	t.Helper()
	s := &models.Session{IsVerified: true}
	require.NoError(t, f.store.CreateSession(context.Background(), s))
	require.NoError(t, f.store.MarkSessionVerified(context.Background(), s.ID))
	return s.ID
}

func (f *fixture) join(t *testing.T, roomID, sessionID string) *models.Participant {
	t.Helper()
	seat, err := f.membership.Join(context.Background(), roomID, sessionID)
	require.NoError(t, err)
	return seat
}

func nextEvent(t *testing.T, sub *relay.Subscription) relay.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected a relay event")
		return relay.Event{}
	}
}

// --- Directory ---

func TestDirectory_CreateValidates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	valid := room.CreateRoomInput{Name: "a", NameFa: "b", Description: "c", DescriptionFa: "d", Capacity: 5}

	tests := []struct {
		name   string
		mutate func(in *room.CreateRoomInput)
	}{
		{"missing persian name", func(in *room.CreateRoomInput) { in.NameFa = "  " }},
		{"missing description", func(in *room.CreateRoomInput) { in.Description = "" }},
		{"capacity too small", func(in *room.CreateRoomInput) { in.Capacity = 1 }},
		{"capacity too large", func(in *room.CreateRoomInput) { in.Capacity = 51 }},
		{"unknown mode", func(in *room.CreateRoomInput) { in.Mode = "video" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := f.directory.Create(ctx, in)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}

	created, err := f.directory.Create(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, models.RoomModeText, created.Mode, "mode defaults to text")
}

func TestDirectory_ListGetSeed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.directory.Seed(ctx, []room.CreateRoomInput{
		{Name: "one", NameFa: "یک", Description: "x", DescriptionFa: "y", Capacity: 2},
		{Name: "two", NameFa: "دو", Description: "x", DescriptionFa: "y", Capacity: 10},
		{Name: "bad", Capacity: 10},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	require.Len(t, created, 2)

	rooms, err := f.directory.List(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "two", rooms[0].Name, "newest first")

	got, err := f.directory.Get(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	_, err = f.directory.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- Membership ---

func TestJoin_CapacityAndSeatReuse(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 2)
	a, b, c := f.session(t), f.session(t), f.session(t)

	// Act
	seatA := f.join(t, r.ID, a)
	seatB := f.join(t, r.ID, b)
	_, errFull := f.membership.Join(ctx, r.ID, c)
	left, errLeave := f.membership.Leave(ctx, r.ID, a)
	seatC, errC := f.membership.Join(ctx, r.ID, c)

	// Assert
	assert.Equal(t, 1, seatA.SeatNumber)
	assert.Equal(t, 2, seatB.SeatNumber)
	assert.ErrorIs(t, errFull, apperr.ErrRoomFull)
	require.NoError(t, errLeave)
	assert.True(t, left)
	require.NoError(t, errC)
	assert.Equal(t, 1, seatC.SeatNumber, "lowest free number is reused")
}

func TestJoin_IsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	r := f.room(t, 5)
	s := f.session(t)

	first := f.join(t, r.ID, s)
	second := f.join(t, r.ID, s)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SeatNumber, second.SeatNumber)

	seats, err := f.membership.ListActive(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, seats, 1)
}

func TestJoin_RequiresVerification(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	s := &models.Session{}
	require.NoError(t, f.store.CreateSession(ctx, s))

	_, err := f.membership.Join(ctx, r.ID, s.ID)
	assert.ErrorIs(t, err, apperr.ErrUnverified)

	open := room.NewMembership(f.store, relay.Discard{}, false)
	seat, err := open.Join(ctx, r.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, seat.SeatNumber)
}

func TestJoin_UnknownRoomOrSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)

	_, err := f.membership.Join(ctx, "missing", f.session(t))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.membership.Join(ctx, r.ID, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestJoin_PublishesEvent(t *testing.T) {
	f := newFixture(t, true)
	r := f.room(t, 5)
	s := f.session(t)
	sub, err := f.bus.Subscribe(context.Background(), r.ID)
	require.NoError(t, err)
	defer sub.Close()

	seat := f.join(t, r.ID, s)

	ev := nextEvent(t, sub)
	assert.Equal(t, models.TableParticipants, ev.Table)
	assert.Equal(t, models.OpInsert, ev.Op)
	assert.Equal(t, seat.ID, ev.RowID)
	assert.Equal(t, s, ev.SessionID)
}

func TestJoin_ConcurrentJoinsKeepSeatsUnique(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	const capacity = 5
	r := f.room(t, capacity)
	sessions := make([]string, 12)
	for i := range sessions {
		sessions[i] = f.session(t)
	}

	// Act
	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s string) {
			defer wg.Done()
			_, errs[i] = f.membership.Join(context.Background(), r.ID, s)
		}(i, s)
	}
	wg.Wait()

	// Assert
	for _, err := range errs {
		if err != nil {
			assert.True(t, apperrIsOneOf(err, apperr.ErrRoomFull, apperr.ErrUnavailable), "unexpected error %v", err)
		}
	}
	seats, err := f.membership.ListActive(context.Background(), r.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(seats), capacity)
	seen := map[int]bool{}
	for _, seat := range seats {
		assert.GreaterOrEqual(t, seat.SeatNumber, 1)
		assert.LessOrEqual(t, seat.SeatNumber, capacity)
		assert.False(t, seen[seat.SeatNumber], "seat %d assigned twice", seat.SeatNumber)
		seen[seat.SeatNumber] = true
	}
}

func TestJoin_ConcurrentJoinsBySameSession(t *testing.T) {
	f := newFixture(t, true)
	r := f.room(t, 10)
	s := f.session(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.membership.Join(context.Background(), r.ID, s)
		}()
	}
	wg.Wait()

	seats, err := f.membership.ListActive(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, seats, 1, "a session holds at most one active seat per room")
}

func TestLeave_NeverJoinedIsNoop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	a, b := f.session(t), f.session(t)
	f.join(t, r.ID, a)
	seatB := f.join(t, r.ID, b)

	left, err := f.membership.Leave(ctx, r.ID, f.session(t))
	require.NoError(t, err)
	assert.False(t, left)

	seats, err := f.membership.ListActive(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, seats, 2)
	assert.Equal(t, seatB.SeatNumber, seats[1].SeatNumber)
}

func TestLeave_ReleasesSpeakingTurn(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	s := f.session(t)
	seat := f.join(t, r.ID, s)
	_, err := f.turns.StartSpeaking(ctx, seat.ID, r.ID)
	require.NoError(t, err)

	_, err = f.membership.Leave(ctx, r.ID, s)
	require.NoError(t, err)

	speakers, err := f.turns.ActiveSpeakers(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, speakers)
}

func TestSeatOf(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	s := f.session(t)

	_, err := f.membership.SeatOf(ctx, r.ID, s)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	seat := f.join(t, r.ID, s)
	got, err := f.membership.SeatOf(ctx, r.ID, s)
	require.NoError(t, err)
	assert.Equal(t, seat.ID, got.ID)

	all, err := f.membership.SeatsOf(ctx, s)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExpireIdle_TouchKeepsSeat(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	idle, active := f.session(t), f.session(t)
	f.join(t, r.ID, idle)
	f.join(t, r.ID, active)

	f.clock.Advance(4 * time.Minute)
	touched, err := f.membership.Touch(ctx, r.ID, active)
	require.NoError(t, err)
	require.True(t, touched)
	f.clock.Advance(2 * time.Minute)

	// Act
	n, err := f.membership.ExpireIdle(ctx, 5*time.Minute)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	seats, err := f.membership.ListActive(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, active, seats[0].SessionID)

	touched, err = f.membership.Touch(ctx, r.ID, idle)
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestReaper_Sweep(t *testing.T) {
	f := newFixture(t, true)
	r := f.room(t, 5)
	f.join(t, r.ID, f.session(t))
	f.clock.Advance(10 * time.Minute)

	reaper := room.NewReaper(f.membership, 5*time.Minute, time.Minute)

	assert.Equal(t, 1, reaper.Sweep(context.Background()))
	assert.Equal(t, 0, reaper.Sweep(context.Background()))
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, true)
	reaper := room.NewReaper(f.membership, time.Minute, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

// --- Turns ---

func TestTurns_Scenario(t *testing.T) {
	// Arrange: seats #1, #2, #3
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	f.join(t, r.ID, f.session(t))
	two := f.join(t, r.ID, f.session(t))
	three := f.join(t, r.ID, f.session(t))

	// Act & Assert
	_, err := f.turns.StartSpeaking(ctx, two.ID, r.ID)
	require.NoError(t, err)

	_, err = f.turns.StartSpeaking(ctx, three.ID, r.ID)
	assert.ErrorIs(t, err, apperr.ErrBusy)

	stopped, err := f.turns.StopSpeaking(ctx, two.ID, r.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	_, err = f.turns.StartSpeaking(ctx, three.ID, r.ID)
	require.NoError(t, err)

	speakers, err := f.turns.ActiveSpeakers(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, speakers)
}

func TestTurns_StartIsIdempotentForHolder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	seat := f.join(t, r.ID, f.session(t))

	first, err := f.turns.StartSpeaking(ctx, seat.ID, r.ID)
	require.NoError(t, err)
	again, err := f.turns.StartSpeaking(ctx, seat.ID, r.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
}

func TestTurns_StopByNonHolderIsNoop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	one := f.join(t, r.ID, f.session(t))
	two := f.join(t, r.ID, f.session(t))
	_, err := f.turns.StartSpeaking(ctx, one.ID, r.ID)
	require.NoError(t, err)

	stopped, err := f.turns.StopSpeaking(ctx, two.ID, r.ID)

	require.NoError(t, err)
	assert.False(t, stopped)
	speakers, err := f.turns.ActiveSpeakers(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, speakers)
}

func TestTurns_RequiresSeatInRoom(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r1, r2 := f.room(t, 5), f.room(t, 5)
	seat := f.join(t, r1.ID, f.session(t))

	_, err := f.turns.StartSpeaking(ctx, seat.ID, r2.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.turns.StartSpeaking(ctx, "missing", r1.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTurns_ConcurrentStartsYieldOneSpeaker(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	r := f.room(t, 10)
	seats := make([]*models.Participant, 8)
	for i := range seats {
		seats[i] = f.join(t, r.ID, f.session(t))
	}

	// Act
	var wg sync.WaitGroup
	errs := make([]error, len(seats))
	for i, seat := range seats {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.turns.StartSpeaking(context.Background(), id, r.ID)
		}(i, seat.ID)
	}
	wg.Wait()

	// Assert
	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, apperrIsOneOf(err, apperr.ErrBusy, apperr.ErrUnavailable), "unexpected error %v", err)
	}
	assert.Equal(t, 1, winners)
	speakers, err := f.turns.ActiveSpeakers(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, speakers, 1)
}

// leaveDuringCheck releases a seat right after Turns has read the room's
// open slot, before the slot insert runs.
type leaveDuringCheck struct {
	storage.Storage
	once  sync.Once
	leave func()
}

func (l *leaveDuringCheck) FindOpenSlot(ctx context.Context, roomID string) (*models.SpeakingSlot, error) {
	slot, err := l.Storage.FindOpenSlot(ctx, roomID)
	l.once.Do(l.leave)
	return slot, err
}

func TestTurns_StartAfterConcurrentLeaveLeavesNoSlot(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	a := f.session(t)
	seatA := f.join(t, r.ID, a)
	seatB := f.join(t, r.ID, f.session(t))

	store := &leaveDuringCheck{Storage: f.store, leave: func() {
		_, err := f.membership.Leave(ctx, r.ID, a)
		require.NoError(t, err)
	}}
	turns := room.NewTurns(store, f.bus)

	// Act
	_, err := turns.StartSpeaking(ctx, seatA.ID, r.ID)

	// Assert
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	speakers, err := f.turns.ActiveSpeakers(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, speakers)

	_, err = f.turns.StartSpeaking(ctx, seatB.ID, r.ID)
	require.NoError(t, err)
}

func TestExpireIdle_ClosesSlotOfDepartedSeat(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	seatA := f.join(t, r.ID, f.session(t))
	seatB := f.join(t, r.ID, f.session(t))
	_, err := f.turns.StartSpeaking(ctx, seatA.ID, r.ID)
	require.NoError(t, err)
	// a seat released without its slot, as left behind by older releases
	require.NoError(t, f.store.DB.Model(&models.Participant{}).Where("id = ?", seatA.ID).Update("is_active", false).Error)

	// Act
	n, err := f.membership.ExpireIdle(ctx, time.Hour)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	speakers, err := f.turns.ActiveSpeakers(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, speakers)
	_, err = f.turns.StartSpeaking(ctx, seatB.ID, r.ID)
	require.NoError(t, err)
}

// --- Messages ---

func TestMessages_AppendAndList(t *testing.T) {
	// Arrange
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	one := f.join(t, r.ID, f.session(t))
	two := f.join(t, r.ID, f.session(t))

	// Act
	first, err := f.messages.Append(ctx, r.ID, one.ID, "  hard week  ", nil)
	require.NoError(t, err)
	reply, err := f.messages.Append(ctx, r.ID, two.ID, "me too", &first.ID)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "hard week", first.Body)
	assert.Equal(t, 2, reply.SeatNumber)
	assert.Equal(t, "hard week", reply.ReplyToBody)
	assert.Equal(t, 1, reply.ReplyToSeat)

	list, err := f.messages.List(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))

	got, err := f.messages.Get(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, *got.ReplyToID)
}

func TestMessages_EmptyMessageNotPersisted(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	seat := f.join(t, r.ID, f.session(t))

	_, err := f.messages.Append(ctx, r.ID, seat.ID, " \n\t ", nil)
	assert.ErrorIs(t, err, apperr.ErrEmptyMessage)

	list, err := f.messages.List(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMessages_ReplyMustBeInSameRoom(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r1, r2 := f.room(t, 5), f.room(t, 5)
	s := f.session(t)
	seat1 := f.join(t, r1.ID, s)
	seat2 := f.join(t, r2.ID, s)
	elsewhere, err := f.messages.Append(ctx, r2.ID, seat2.ID, "other room", nil)
	require.NoError(t, err)

	_, err = f.messages.Append(ctx, r1.ID, seat1.ID, "reply", &elsewhere.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidReply)

	missing := "missing"
	_, err = f.messages.Append(ctx, r1.ID, seat1.ID, "reply", &missing)
	assert.ErrorIs(t, err, apperr.ErrInvalidReply)
}

func TestMessages_AuthorMustBeSeated(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.room(t, 5)
	s := f.session(t)
	seat := f.join(t, r.ID, s)
	_, err := f.membership.Leave(ctx, r.ID, s)
	require.NoError(t, err)

	_, err = f.messages.Append(ctx, r.ID, seat.ID, "hello", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMessages_TooLong(t *testing.T) {
	f := newFixture(t, true)
	r := f.room(t, 5)
	seat := f.join(t, r.ID, f.session(t))
	body := make([]rune, 2001)
	for i := range body {
		body[i] = 'ا'
	}

	_, err := f.messages.Append(context.Background(), r.ID, seat.ID, string(body), nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestMessages_ListUnknownRoom(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.messages.List(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
