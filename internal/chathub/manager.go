// Package chathub keeps track of live room observers and streams relay
// events to them.
package chathub

import (
	"context"
	"sync"
	"time"

	"circles/backend/internal/relay"

	"github.com/rs/zerolog/log"
)

const activityTimeout = 5 * time.Second

// ManagerService is the registry of live clients.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client

	Bus      relay.Bus
	Activity ActivityRecorder

	mu      sync.RWMutex
	clients map[Client]struct{}
	perRoom map[string]int

	done chan struct{}
}

// NewManagerService Constructor
func NewManagerService(bus relay.Bus, activity ActivityRecorder) *ManagerService {
	return &ManagerService{
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Bus:          bus,
		Activity:     activity,
		clients:      make(map[Client]struct{}),
		perRoom:      make(map[string]int),
		done:         make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every client.
func (m *ManagerService) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case c := <-m.RegisterCh:
			m.add(c)
			c.Run()
		case c := <-m.UnregisterCh:
			if m.remove(c) {
				c.Close()
			}
		case <-ctx.Done():
			m.closeAll()
			return nil
		}
	}
}

// Register hands c to the hub, which starts it. It reports false when the
// hub has stopped; the caller then owns c.
func (m *ManagerService) Register(c Client) bool {
	select {
	case m.RegisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes and closes c. Safe to call after the hub stopped.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
		c.Close()
	}
}

// ClientCount returns the number of live clients observing a room.
func (m *ManagerService) ClientCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perRoom[roomID]
}

// Total returns the number of live clients.
func (m *ManagerService) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RecordActivity forwards a client's liveness hint to the seat lease.
func (m *ManagerService) RecordActivity(roomID, sessionID string) {
	if m.Activity == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), activityTimeout)
	defer cancel()
	if _, err := m.Activity.Touch(ctx, roomID, sessionID); err != nil {
		log.Warn().Str("module", "chathub").Err(err).Str("room_id", roomID).Msg("activity not recorded")
	}
}

func (m *ManagerService) add(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = struct{}{}
	m.perRoom[c.GetRoomID()]++
	log.Debug().Str("module", "chathub").Str("room_id", c.GetRoomID()).Int("observers", m.perRoom[c.GetRoomID()]).Msg("client registered")
}

func (m *ManagerService) remove(c Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c]; !ok {
		return false
	}
	delete(m.clients, c)
	if m.perRoom[c.GetRoomID()]--; m.perRoom[c.GetRoomID()] <= 0 {
		delete(m.perRoom, c.GetRoomID())
	}
	return true
}

func (m *ManagerService) closeAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[Client]struct{})
	m.perRoom = make(map[string]int)
	m.mu.Unlock()

	for c := range clients {
		c.Close()
	}
	log.Info().Str("module", "chathub").Int("clients", len(clients)).Msg("hub stopped")
}
