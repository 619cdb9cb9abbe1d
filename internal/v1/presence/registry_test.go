package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
}

func (s *fakeSink) TrySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSink) Disconnect(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

func (s *fakeSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newQuietRegistry() *Registry {
	return NewRegistry(time.Minute, nil)
}

func TestRegistry_AttachReturnsPriorSink(t *testing.T) {
	reg := newQuietRegistry()
	s1, s2 := &fakeSink{}, &fakeSink{}

	require.Nil(t, reg.Attach("u1", "Alice", s1))
	reg.Join("u1", "general")

	prior := reg.Attach("u1", "Alice", s2)
	assert.Same(t, s1, prior)
	assert.True(t, reg.IsMember("u1", "general"), "memberships survive supersession")

	name, ok := reg.Name("u1")
	require.True(t, ok)
	assert.Equal(t, types.DisplayNameType("Alice"), name)
}

func TestRegistry_DetachRequiresCurrentSink(t *testing.T) {
	reg := newQuietRegistry()
	s1, s2 := &fakeSink{}, &fakeSink{}

	reg.Attach("u1", "Alice", s1)
	reg.Join("u1", "general")
	reg.Attach("u1", "Alice", s2)

	rooms, ok := reg.Detach("u1", s1)
	assert.False(t, ok, "a superseded connection must not detach its replacement")
	assert.Nil(t, rooms)
	assert.True(t, reg.IsMember("u1", "general"))

	rooms, ok = reg.Detach("u1", s2)
	require.True(t, ok)
	assert.Equal(t, []types.RoomIDType{"general"}, rooms)
	assert.False(t, reg.IsMember("u1", "general"))
}

func TestRegistry_JoinReportsMembershipChange(t *testing.T) {
	reg := newQuietRegistry()
	reg.Attach("b", "Bob", &fakeSink{})
	reg.Attach("a", "Alice", &fakeSink{})
	reg.Attach("c", "Cleo", &fakeSink{})

	_, changed := reg.Join("b", "general")
	assert.True(t, changed)
	_, changed = reg.Join("a", "general")
	assert.True(t, changed)
	members, changed := reg.Join("c", "general")
	assert.True(t, changed)

	require.Len(t, members, 3)
	assert.Equal(t, types.UserIDType("a"), members[0].UserID, "member views are ordered by id")
	assert.Equal(t, types.UserIDType("b"), members[1].UserID)
	assert.Equal(t, types.UserIDType("c"), members[2].UserID)

	_, changed = reg.Join("a", "general")
	assert.False(t, changed, "re-joining the same room leaves the member set unchanged")
}

func TestRegistry_CurrentRoomFollowsLastJoin(t *testing.T) {
	reg := newQuietRegistry()
	reg.Attach("u1", "Alice", &fakeSink{})

	reg.Join("u1", "general")
	reg.Join("u1", "random")

	room, ok := reg.CurrentRoom("u1")
	require.True(t, ok)
	assert.Equal(t, types.RoomIDType("random"), room)
	assert.True(t, reg.IsMember("u1", "general"), "joining another room does not leave the first")

	reg.Join("u1", "general")
	room, _ = reg.CurrentRoom("u1")
	assert.Equal(t, types.RoomIDType("general"), room, "re-join switches the current room back")
}

func TestRegistry_SetNameReturnsJoinedRooms(t *testing.T) {
	reg := newQuietRegistry()
	reg.Attach("u1", "Alice", &fakeSink{})
	reg.Join("u1", "zebra")
	reg.Join("u1", "alpha")

	rooms, ok := reg.SetName("u1", "Alicia")
	require.True(t, ok)
	assert.Equal(t, []types.RoomIDType{"alpha", "zebra"}, rooms)

	members := reg.Members("alpha")
	require.Len(t, members, 1)
	assert.Equal(t, types.DisplayNameType("Alicia"), members[0].DisplayName)
}

func TestRegistry_BroadcastExcludesOneUser(t *testing.T) {
	reg := newQuietRegistry()
	sa, sb, sc := &fakeSink{}, &fakeSink{}, &fakeSink{}
	reg.Attach("a", "Alice", sa)
	reg.Attach("b", "Bob", sb)
	reg.Attach("c", "Cleo", sc)
	reg.Join("a", "general")
	reg.Join("b", "general")
	reg.Join("c", "random")

	reg.Broadcast("general", []byte(`{"x":1}`), "b")

	assert.Equal(t, 1, sa.frameCount())
	assert.Equal(t, 0, sb.frameCount(), "excluded user must not receive")
	assert.Equal(t, 0, sc.frameCount(), "other rooms must not receive")

	reg.Broadcast("general", []byte(`{"x":2}`), "")
	assert.Equal(t, 2, sa.frameCount())
	assert.Equal(t, 1, sb.frameCount())
}

func TestRegistry_TypingExpiryFiresOnce(t *testing.T) {
	expired := make(chan types.UserIDType, 4)
	reg := NewRegistry(20*time.Millisecond, func(roomID types.RoomIDType, userID types.UserIDType) {
		expired <- userID
	})
	reg.Attach("u1", "Alice", &fakeSink{})
	reg.Join("u1", "general")

	reg.MarkTyping("general", "u1")

	select {
	case userID := <-expired:
		assert.Equal(t, types.UserIDType("u1"), userID)
	case <-time.After(time.Second):
		t.Fatal("typing mark never expired")
	}

	select {
	case <-expired:
		t.Fatal("expiry fired twice for one mark")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_ClearTypingCancelsExpiry(t *testing.T) {
	expired := make(chan types.UserIDType, 4)
	reg := NewRegistry(30*time.Millisecond, func(_ types.RoomIDType, userID types.UserIDType) {
		expired <- userID
	})
	reg.Attach("u1", "Alice", &fakeSink{})
	reg.Join("u1", "general")

	reg.MarkTyping("general", "u1")
	assert.True(t, reg.ClearTyping("general", "u1"))
	assert.False(t, reg.ClearTyping("general", "u1"), "second clear finds no mark")

	select {
	case <-expired:
		t.Fatal("cleared mark must not expire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_MarkTypingRefreshReplacesTimer(t *testing.T) {
	expired := make(chan types.UserIDType, 4)
	reg := NewRegistry(50*time.Millisecond, func(_ types.RoomIDType, userID types.UserIDType) {
		expired <- userID
	})
	reg.Attach("u1", "Alice", &fakeSink{})
	reg.Join("u1", "general")

	reg.MarkTyping("general", "u1")
	reg.MarkTyping("general", "u1")

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("refreshed mark never expired")
	}
	select {
	case <-expired:
		t.Fatal("refresh must supersede the old timer, not stack a second expiry")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRegistry_DetachCancelsTypingSilently(t *testing.T) {
	expired := make(chan types.UserIDType, 4)
	reg := NewRegistry(30*time.Millisecond, func(_ types.RoomIDType, userID types.UserIDType) {
		expired <- userID
	})
	sink := &fakeSink{}
	reg.Attach("u1", "Alice", sink)
	reg.Join("u1", "general")
	reg.MarkTyping("general", "u1")

	rooms, ok := reg.Detach("u1", sink)
	require.True(t, ok)
	assert.Equal(t, []types.RoomIDType{"general"}, rooms)

	select {
	case <-expired:
		t.Fatal("detach must cancel typing without firing the expiry")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_RoomGaugesTrackMembership(t *testing.T) {
	reg := newQuietRegistry()
	sink := &fakeSink{}
	reg.Attach("u1", "Alice", sink)
	reg.Join("u1", "lonely")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveRooms))

	_, ok := reg.Detach("u1", sink)
	require.True(t, ok)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ActiveRooms))
	assert.Empty(t, reg.Members("lonely"))
}
