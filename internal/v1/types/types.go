package types

import (
	"context"

	"github.com/parlorhq/parlor/internal/v1/auth"
)

// --- Core Domain Types ---

// UserIDType is the stable opaque identifier the authenticator assigns a user.
type UserIDType string

// RoomIDType identifies a fan-out group.
type RoomIDType string

// MessageIDType is the lexicographically sortable identifier of a persisted message.
type MessageIDType string

// DisplayNameType is the human-readable name shown for a user.
type DisplayNameType string

// DefaultRoomID is the room every connection is joined to at hello time.
const DefaultRoomID RoomIDType = "default"

// Member is one entry of a presence snapshot.
type Member struct {
	UserID      UserIDType      `json:"id"`
	DisplayName DisplayNameType `json:"display_name"`
}

// Message is a persisted chat line. DisplayName is snapshotted at send time;
// later renames never rewrite it.
type Message struct {
	ID          MessageIDType   `json:"id"`
	RoomID      RoomIDType      `json:"room_id"`
	UserID      UserIDType      `json:"user_id"`
	DisplayName DisplayNameType `json:"display_name"`
	Text        string          `json:"text"`
	Mentions    []UserIDType    `json:"mentions,omitempty"`
	TS          int64           `json:"ts"`
}

// --- Shared Interfaces ---

// TokenValidator is the authenticator contract consumed at upgrade time.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.SessionClaims, error)
}

// Sink is an outbound frame queue owned by one live connection. TrySend must
// never block; it reports false when the frame could not be queued (the
// connection is closing or over its backpressure budget). Disconnect closes
// the underlying transport with the given close code.
type Sink interface {
	TrySend(frame []byte) bool
	Disconnect(code int, reason string)
}

// HistoryStore is the read/append surface the hub needs from the message
// store. Sweeping and lifecycle stay with the concrete store.
type HistoryStore interface {
	Append(ctx context.Context, roomID RoomIDType, userID UserIDType, displayName DisplayNameType, text string) (Message, error)
	Recent(ctx context.Context, roomID RoomIDType, limit int) ([]Message, error)
	Since(ctx context.Context, roomID RoomIDType, tsExclusive int64) ([]Message, error)
	Before(ctx context.Context, roomID RoomIDType, beforeID MessageIDType, limit int) ([]Message, error)
}

// Admitter gates message submissions per user.
type Admitter interface {
	Allow(userID UserIDType) bool
}
