// Package presence owns the live roster: which user is connected through
// which sink, which rooms each user belongs to, and the soft typing marks
// with their expiry timers.
//
// Concurrency design: one RWMutex guards all registry state. Broadcast
// snapshots the target sinks under the read lock and delivers after
// releasing it, so a slow recipient never blocks roster updates. Methods
// named *Locked assume the caller holds the mutex.
package presence

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/types"
)

type userEntry struct {
	name    types.DisplayNameType
	sink    types.Sink
	rooms   set.Set[types.RoomIDType]
	current types.RoomIDType
}

// Registry is the in-memory mapping of user to connection, room to member
// set, and the typing soft-state. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	users  map[types.UserIDType]*userEntry
	rooms  map[types.RoomIDType]set.Set[types.UserIDType]
	typing map[types.RoomIDType]map[types.UserIDType]*time.Timer

	typingTimeout  time.Duration
	onTypingExpire func(types.RoomIDType, types.UserIDType)
}

// NewRegistry returns an empty registry. onTypingExpire is invoked outside
// the registry lock whenever a typing mark lapses without an explicit stop;
// the hub uses it to broadcast the stop frame.
func NewRegistry(typingTimeout time.Duration, onTypingExpire func(types.RoomIDType, types.UserIDType)) *Registry {
	return &Registry{
		users:          make(map[types.UserIDType]*userEntry),
		rooms:          make(map[types.RoomIDType]set.Set[types.UserIDType]),
		typing:         make(map[types.RoomIDType]map[types.UserIDType]*time.Timer),
		typingTimeout:  typingTimeout,
		onTypingExpire: onTypingExpire,
	}
}

// Attach registers sink as the user's connection. If the user already had
// one, the prior sink is returned so the caller can close it with the
// supersession policy; the user's rooms and display name carry over, so
// observers see no membership gap.
func (r *Registry) Attach(userID types.UserIDType, name types.DisplayNameType, sink types.Sink) types.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[userID]; ok {
		prior := existing.sink
		existing.sink = sink
		return prior
	}
	r.users[userID] = &userEntry{
		name:  name,
		sink:  sink,
		rooms: set.New[types.RoomIDType](),
	}
	return nil
}

// Detach removes the user only if sink is still the registered connection,
// guarding against the race where a superseded connection unwinds after its
// replacement attached. Returns the rooms the user left, sorted, and whether
// the detach actually happened. Typing marks are cancelled without firing.
func (r *Registry) Detach(userID types.UserIDType, sink types.Sink) ([]types.RoomIDType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok || entry.sink != sink {
		return nil, false
	}

	rooms := sortedRooms(entry.rooms)
	for _, roomID := range rooms {
		r.clearTypingLocked(roomID, userID)
		if memberSet, ok := r.rooms[roomID]; ok {
			memberSet.Delete(userID)
			r.roomGaugesLocked(roomID)
		}
	}
	delete(r.users, userID)
	return rooms, true
}

// Join adds the user to the room, creating the room record on first use,
// and makes it the user's current room. Returns the member view after the
// join and whether the member set changed.
func (r *Registry) Join(userID types.UserIDType, roomID types.RoomIDType) ([]types.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	entry.current = roomID

	memberSet, ok := r.rooms[roomID]
	if !ok {
		memberSet = set.New[types.UserIDType]()
		r.rooms[roomID] = memberSet
	}

	changed := false
	if !memberSet.Has(userID) {
		memberSet.Insert(userID)
		entry.rooms.Insert(roomID)
		changed = true
		r.roomGaugesLocked(roomID)
	}
	return r.membersLocked(roomID), changed
}

// CurrentRoom returns the room of the user's most recent join.
func (r *Registry) CurrentRoom(userID types.UserIDType) (types.RoomIDType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok || entry.current == "" {
		return "", false
	}
	return entry.current, true
}

// IsMember reports whether the user has joined the room.
func (r *Registry) IsMember(userID types.UserIDType, roomID types.RoomIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	memberSet, ok := r.rooms[roomID]
	return ok && memberSet.Has(userID)
}

// Name returns the user's current display name.
func (r *Registry) Name(userID types.UserIDType) (types.DisplayNameType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return "", false
	}
	return entry.name, true
}

// SetName updates the user's display name and returns the rooms whose
// presence snapshots must be re-emitted, sorted.
func (r *Registry) SetName(userID types.UserIDType, name types.DisplayNameType) ([]types.RoomIDType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	entry.name = name
	return sortedRooms(entry.rooms), true
}

// Members returns the room's member view ordered by user id, so successive
// snapshots are diff-friendly.
func (r *Registry) Members(roomID types.RoomIDType) []types.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(roomID)
}

// MarkTyping inserts or refreshes the typing mark and re-arms its expiry.
func (r *Registry) MarkTyping(roomID types.RoomIDType, userID types.UserIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.typing[roomID][userID]; ok {
		old.Stop()
	}
	if r.typing[roomID] == nil {
		r.typing[roomID] = make(map[types.UserIDType]*time.Timer)
	}
	var tm *time.Timer
	tm = time.AfterFunc(r.typingTimeout, func() {
		r.expireTyping(roomID, userID, tm)
	})
	r.typing[roomID][userID] = tm
}

// ClearTyping removes the typing mark and cancels its timer. Returns whether
// a mark existed, so the caller knows if a stop frame is worth sending.
func (r *Registry) ClearTyping(roomID types.RoomIDType, userID types.UserIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearTypingLocked(roomID, userID)
}

// Broadcast delivers frame to every member's sink except the optionally
// excluded user (empty means none). Sinks are snapshotted under the read
// lock and sends happen after release; a failed send is the sink's problem,
// its owning connection tears itself down.
func (r *Registry) Broadcast(roomID types.RoomIDType, frame []byte, except types.UserIDType) {
	r.mu.RLock()
	var sinks []types.Sink
	if memberSet, ok := r.rooms[roomID]; ok {
		for _, userID := range memberSet.UnsortedList() {
			if userID == except {
				continue
			}
			if entry, ok := r.users[userID]; ok {
				sinks = append(sinks, entry.sink)
			}
		}
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink.TrySend(frame)
	}
}

// expireTyping is the AfterFunc callback. The timer identity check makes a
// stale timer (already refreshed or cleared) a no-op.
func (r *Registry) expireTyping(roomID types.RoomIDType, userID types.UserIDType, tm *time.Timer) {
	r.mu.Lock()
	cur, ok := r.typing[roomID][userID]
	if !ok || cur != tm {
		r.mu.Unlock()
		return
	}
	delete(r.typing[roomID], userID)
	if len(r.typing[roomID]) == 0 {
		delete(r.typing, roomID)
	}
	r.mu.Unlock()

	if r.onTypingExpire != nil {
		r.onTypingExpire(roomID, userID)
	}
}

func (r *Registry) clearTypingLocked(roomID types.RoomIDType, userID types.UserIDType) bool {
	tm, ok := r.typing[roomID][userID]
	if !ok {
		return false
	}
	tm.Stop()
	delete(r.typing[roomID], userID)
	if len(r.typing[roomID]) == 0 {
		delete(r.typing, roomID)
	}
	return true
}

func (r *Registry) membersLocked(roomID types.RoomIDType) []types.Member {
	memberSet, ok := r.rooms[roomID]
	if !ok {
		return []types.Member{}
	}
	members := make([]types.Member, 0, memberSet.Len())
	for _, userID := range memberSet.UnsortedList() {
		entry, ok := r.users[userID]
		if !ok {
			continue
		}
		members = append(members, types.Member{UserID: userID, DisplayName: entry.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// roomGaugesLocked refreshes the room gauges after a membership change and
// drops empty room records.
func (r *Registry) roomGaugesLocked(roomID types.RoomIDType) {
	memberSet, ok := r.rooms[roomID]
	if !ok || memberSet.Len() == 0 {
		delete(r.rooms, roomID)
		metrics.RoomParticipants.DeleteLabelValues(string(roomID))
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
		return
	}
	metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(memberSet.Len()))
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}

func sortedRooms(rooms set.Set[types.RoomIDType]) []types.RoomIDType {
	list := rooms.UnsortedList()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
