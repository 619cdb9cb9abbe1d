package hub

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorhq/parlor/internal/v1/protocol"
	"github.com/parlorhq/parlor/internal/v1/types"
)

// MockConnection implements wsConnection with a scriptable inbound queue and
// a recorded outbound log.
type MockConnection struct {
	inbound chan []byte

	mu          sync.Mutex
	writes      [][]byte
	closeFrames [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConnection() *MockConnection {
	return &MockConnection{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

// Feed queues one inbound text frame for the read pump.
func (m *MockConnection) Feed(data []byte) {
	m.inbound <- data
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	if messageType == websocket.CloseMessage {
		m.closeFrames = append(m.closeFrames, cp)
	} else {
		m.writes = append(m.writes, cp)
	}
	return nil
}

func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MockConnection) SetReadLimit(_ int64) {}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }

// frameEnvelope is the union of every server frame shape, for assertions.
type frameEnvelope struct {
	Type        string           `json:"type"`
	SelfID      string           `json:"self_id"`
	RoomID      string           `json:"room_id"`
	UserID      string           `json:"user_id"`
	DisplayName string           `json:"display_name"`
	Members     []types.Member   `json:"members"`
	Messages    []types.Message  `json:"messages"`
	NextCursor  *protocol.Cursor `json:"next_cursor"`
	Code        string           `json:"code"`
	Msg         string           `json:"msg"`
	ID          string           `json:"id"`
	Text        string           `json:"text"`
	Mentions    []string         `json:"mentions"`
	TS          int64            `json:"ts"`
}

// envelopes decodes every data frame written so far.
func (m *MockConnection) envelopes() []frameEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]frameEnvelope, 0, len(m.writes))
	for _, data := range m.writes {
		var env frameEnvelope
		_ = json.Unmarshal(data, &env)
		out = append(out, env)
	}
	return out
}

// closeSent reports the first close frame written, decoded into its
// status code and reason.
func (m *MockConnection) closeSent() (int, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.closeFrames) == 0 {
		return 0, "", false
	}
	data := m.closeFrames[0]
	if len(data) < 2 {
		return 0, "", false
	}
	return int(binary.BigEndian.Uint16(data[:2])), string(data[2:]), true
}

// nullSink discards frames, for registry setups that never read them.
type nullSink struct{}

func (nullSink) TrySend(_ []byte) bool      { return true }
func (nullSink) Disconnect(_ int, _ string) {}

// stubAdmitter admits a fixed budget of messages so rate-limit paths are
// deterministic in tests.
type stubAdmitter struct {
	mu        sync.Mutex
	budget    int
	unlimited bool
}

func (s *stubAdmitter) Allow(_ types.UserIDType) bool {
	if s.unlimited {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget <= 0 {
		return false
	}
	s.budget--
	return true
}
