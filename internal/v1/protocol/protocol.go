// Package protocol defines the framed JSON vocabulary spoken over the
// WebSocket transport: the type discriminators, the validation applied to
// client frames, and the builders for server frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/parlorhq/parlor/internal/v1/types"
)

// Frame type discriminators.
const (
	// Client → server
	TypeJoin        = "join"
	TypeSetName     = "set_name"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// Both directions
	TypeMessage = "message"

	// Server → client
	TypeHello          = "hello"
	TypePresence       = "presence"
	TypeHistory        = "history"
	TypeUserTyping     = "user_typing"
	TypeUserTypingStop = "user_typing_stop"
	TypeError          = "error"
)

// Error codes carried by error frames.
const (
	CodeUnauth      = "UNAUTH"
	CodeRateLimit   = "RATE_LIMIT"
	CodeBadRequest  = "BAD_REQUEST"
	CodeServerError = "SERVER_ERROR"
)

// WebSocket close codes in the application range.
const (
	CloseSuperseded   = 4001 // a newer connection for the same user took over
	CloseBackpressure = 4008 // outbound queue exceeded its high-water mark
	CloseServerError  = 4011 // fatal internal error
)

// FrameError is a protocol violation carrying the error-frame code it maps to.
type FrameError struct {
	Code string
	Msg  string
}

func (e *FrameError) Error() string {
	return e.Code + ": " + e.Msg
}

func badRequest(format string, args ...any) *FrameError {
	return &FrameError{Code: CodeBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Limits carries the configured field bounds applied during validation.
type Limits struct {
	MessageMaxChars     int
	DisplayNameMaxChars int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{MessageMaxChars: 2000, DisplayNameMaxChars: 50}
}

// Inbound is a client frame. One struct covers the whole inbound vocabulary;
// Type decides which fields are meaningful. Unknown fields are ignored for
// forward compatibility; unknown types are rejected.
type Inbound struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Name     string `json:"display_name,omitempty"`
	SinceTS  *int64 `json:"since_ts,omitempty"`  // join: resume cursor, exclusive
	BeforeID string `json:"before_id,omitempty"` // join: back-pagination cursor, exclusive
}

// Decode parses a single client frame and validates it against the frame
// type's schema. Any failure is a *FrameError with CodeBadRequest.
func Decode(data []byte, limits Limits) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, badRequest("malformed frame: not a JSON object")
	}

	switch in.Type {
	case TypeJoin:
		in.RoomID = strings.TrimSpace(in.RoomID)
		if in.RoomID == "" {
			return nil, badRequest("join requires room_id")
		}
		if in.SinceTS != nil && in.BeforeID != "" {
			return nil, badRequest("join accepts at most one of since_ts and before_id")
		}
		if in.SinceTS != nil && *in.SinceTS < 0 {
			return nil, badRequest("since_ts must not be negative")
		}

	case TypeMessage:
		in.RoomID = strings.TrimSpace(in.RoomID)
		if in.RoomID == "" {
			return nil, badRequest("message requires room_id")
		}
		text, err := validateText(in.Text, limits.MessageMaxChars)
		if err != nil {
			return nil, err
		}
		in.Text = text

	case TypeSetName:
		name, err := ValidateDisplayName(in.Name, limits.DisplayNameMaxChars)
		if err != nil {
			return nil, err
		}
		in.Name = name

	case TypeTypingStart, TypeTypingStop:
		in.RoomID = strings.TrimSpace(in.RoomID)
		if in.RoomID == "" {
			return nil, badRequest("%s requires room_id", in.Type)
		}

	case "":
		return nil, badRequest("frame has no type")

	default:
		return nil, badRequest("unknown frame type %q", in.Type)
	}

	return &in, nil
}

// validateText trims the message body and bounds its length in runes.
func validateText(s string, maxChars int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", badRequest("text must not be empty")
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", badRequest("text must not exceed %d characters", maxChars)
	}
	return s, nil
}

// ValidateDisplayName trims a display name and bounds its length in runes.
// Exported because the hub applies the same rule to names arriving from the
// authenticator at attach time.
func ValidateDisplayName(s string, maxChars int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", badRequest("display_name must not be empty")
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", badRequest("display_name must not exceed %d characters", maxChars)
	}
	return s, nil
}

// mentionPattern matches @name tokens eligible for server-side resolution.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._-]{1,50})`)

// MentionTokens extracts candidate @name tokens from a message body in first
// occurrence order, deduplicated case-insensitively. Resolution against the
// room roster happens in the hub; tokens naming nobody are dropped there.
func MentionTokens(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		key := strings.ToLower(m[1])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tokens = append(tokens, m[1])
	}
	return tokens
}

// Cursor points further back into history for pagination.
type Cursor struct {
	BeforeID types.MessageIDType `json:"before_id,omitempty"`
	BeforeTS int64               `json:"before_ts,omitempty"`
}

type helloFrame struct {
	Type    string           `json:"type"`
	SelfID  types.UserIDType `json:"self_id"`
	Members []types.Member   `json:"members"`
}

type presenceFrame struct {
	Type    string           `json:"type"`
	RoomID  types.RoomIDType `json:"room_id"`
	Members []types.Member   `json:"members"`
}

type messageFrame struct {
	Type string `json:"type"`
	types.Message
}

type historyFrame struct {
	Type       string           `json:"type"`
	RoomID     types.RoomIDType `json:"room_id"`
	Messages   []types.Message  `json:"messages"`
	NextCursor *Cursor          `json:"next_cursor,omitempty"`
}

type typingFrame struct {
	Type        string                `json:"type"`
	RoomID      types.RoomIDType      `json:"room_id"`
	UserID      types.UserIDType      `json:"user_id"`
	DisplayName types.DisplayNameType `json:"display_name,omitempty"`
}

type errorFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Hello builds the frame sent once after a connection is attached.
func Hello(selfID types.UserIDType, members []types.Member) []byte {
	if members == nil {
		members = []types.Member{}
	}
	data, _ := json.Marshal(helloFrame{Type: TypeHello, SelfID: selfID, Members: members})
	return data
}

// Presence builds a full member snapshot for one room.
func Presence(roomID types.RoomIDType, members []types.Member) []byte {
	if members == nil {
		members = []types.Member{}
	}
	data, _ := json.Marshal(presenceFrame{Type: TypePresence, RoomID: roomID, Members: members})
	return data
}

// MessageFrame builds the broadcast form of a persisted message.
func MessageFrame(msg types.Message) []byte {
	data, _ := json.Marshal(messageFrame{Type: TypeMessage, Message: msg})
	return data
}

// History builds the replay frame answering a join.
func History(roomID types.RoomIDType, messages []types.Message, cursor *Cursor) []byte {
	if messages == nil {
		messages = []types.Message{}
	}
	data, _ := json.Marshal(historyFrame{Type: TypeHistory, RoomID: roomID, Messages: messages, NextCursor: cursor})
	return data
}

// UserTyping builds the typing indicator broadcast.
func UserTyping(roomID types.RoomIDType, userID types.UserIDType, name types.DisplayNameType) []byte {
	data, _ := json.Marshal(typingFrame{Type: TypeUserTyping, RoomID: roomID, UserID: userID, DisplayName: name})
	return data
}

// UserTypingStop builds the typing-cleared broadcast.
func UserTypingStop(roomID types.RoomIDType, userID types.UserIDType) []byte {
	data, _ := json.Marshal(typingFrame{Type: TypeUserTypingStop, RoomID: roomID, UserID: userID})
	return data
}

// ErrorFrame builds an error frame with one of the Code* values.
func ErrorFrame(code, msg string) []byte {
	data, _ := json.Marshal(errorFrame{Type: TypeError, Code: code, Msg: msg})
	return data
}
