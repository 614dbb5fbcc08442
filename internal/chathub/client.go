package chathub

import "context"

// Client is any live observer of a room (a websocket, a Telegram chat).
// The hub owns registered clients and closes them when they unregister or
// the hub stops.
type Client interface {
	// GetSessionID returns the session the client acts for.
	GetSessionID() string
	// GetRoomID returns the room the client observes.
	GetRoomID() string
	// Run starts the client's goroutines. It must not block.
	Run()
	// Close releases the connection and the client's relay subscription.
	// It must be safe to call more than once.
	Close()
}

// ActivityRecorder extends a seat's idle lease when its client shows activity.
type ActivityRecorder interface {
	Touch(ctx context.Context, roomID, sessionID string) (bool, error)
}
