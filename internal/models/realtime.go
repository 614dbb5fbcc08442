package models

import "time"

// Table names carried by relay events.
const (
	TableParticipants  = "participants"
	TableMessages      = "messages"
	TableSpeakingSlots = "speaking_slots"
)

// Row operations carried by relay events.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// RoomEvent notifies observers that a row in a watched table changed. It only
// identifies the row; consumers re-fetch current state.
type RoomEvent struct {
	RoomID    string    `json:"room_id"`
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	RowID     string    `json:"row_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// LiveEvent is the client-facing form of a RoomEvent. It never carries the
// acting session, so observers cannot link seats across rooms.
type LiveEvent struct {
	RoomID string    `json:"room_id"`
	Table  string    `json:"table"`
	Op     string    `json:"op"`
	RowID  string    `json:"row_id"`
	At     time.Time `json:"at"`
}

// Live strips the event down to what websocket clients may see.
func (e RoomEvent) Live() *LiveEvent {
	return &LiveEvent{RoomID: e.RoomID, Table: e.Table, Op: e.Op, RowID: e.RowID, At: e.At}
}

// LiveFrame is what the websocket relay writes to clients.
type LiveFrame struct {
	Type  string     `json:"type"` // "sync", "event"
	Event *LiveEvent `json:"event,omitempty"`
}

// ClientFrame is what websocket clients may send. Only "activity" is understood.
type ClientFrame struct {
	Type string `json:"type"`
}
