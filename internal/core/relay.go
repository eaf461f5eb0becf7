// Package core holds the in-memory room state: membership, per-room history,
// and the broadcast fan-out. Rooms are created lazily on first join and
// garbage-collected when their last member leaves.
package core

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roomdrop/internal/codec"
	"roomdrop/internal/history"
	"roomdrop/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// MaxRoomMembers caps how many identities one room admits.
const MaxRoomMembers = 100

var (
	// ErrAccessDenied is returned when an identity bound to one room tries
	// to access another. There are no retry semantics; the operation is final.
	ErrAccessDenied = errors.New("identity is bound to a different room")

	// ErrNotMember is returned when a non-member tries to submit to a room.
	// The submission is not recorded and not broadcast.
	ErrNotMember = errors.New("identity is not a member of the room")

	// ErrRoomFull is returned when a join would exceed MaxRoomMembers.
	ErrRoomFull = errors.New("room is full")
)

// Session represents one connected identity.
type Session struct {
	ClientID string
	RoomID   string
	Send     chan protocol.Message
}

// JoinSnapshot is the authoritative room view handed to a joining identity.
type JoinSnapshot struct {
	History []protocol.Content
	Members []protocol.Member
}

type memberState struct {
	clientID string
	joinedAt int64
	send     chan protocol.Message
}

// room state is guarded by its own mutex so rooms never contend with each
// other. Lock order is always Relay.mu before room.mu.
type room struct {
	mu      sync.Mutex
	members map[string]*memberState
	history *history.Ring
}

// Relay is the room registry plus broadcast engine.
type Relay struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[string]*Session // identity gate: one bound room per live session
	capacity int

	// Counters reset on each Stats call.
	totalMessages atomic.Uint64
	totalBytes    atomic.Uint64
}

// NewRelay returns an empty relay retaining `capacity` messages per room.
// capacity <= 0 falls back to history.DefaultCapacity.
func NewRelay(capacity int) *Relay {
	if capacity <= 0 {
		capacity = history.DefaultCapacity
	}
	return &Relay{
		rooms:    make(map[string]*room),
		sessions: make(map[string]*Session),
		capacity: capacity,
	}
}

// Join admits clientID into roomID, creating the room on demand, and returns
// the session plus the authoritative snapshot. Joining a room the identity is
// already a member of replaces the prior session: the old send channel is
// closed and a fresh one, owned by the new connection, takes over delivery.
// Joining while bound to a different room fails with ErrAccessDenied.
func (r *Relay) Join(clientID, roomID string, sendBuf int) (*Session, JoinSnapshot, error) {
	clientID = strings.TrimSpace(clientID)
	roomID = strings.TrimSpace(roomID)
	if clientID == "" {
		return nil, JoinSnapshot{}, errors.New("client id is required")
	}
	if roomID == "" {
		return nil, JoinSnapshot{}, errors.New("room id is required")
	}
	if sendBuf <= 0 {
		sendBuf = 64
	}

	r.mu.Lock()
	if existing, ok := r.sessions[clientID]; ok {
		if existing.RoomID != roomID {
			r.mu.Unlock()
			slog.Warn("join denied", "client_id", clientID, "bound_room", existing.RoomID, "requested_room", roomID)
			return nil, JoinSnapshot{}, ErrAccessDenied
		}

		// A redial can race the teardown of a half-open prior connection.
		// The membership keeps its slot but delivery moves to a channel the
		// new connection owns; the retired channel is closed so the old
		// writer goroutine drains out.
		rm := r.rooms[roomID]
		rm.mu.Lock()
		m := rm.members[clientID]
		retired := m.send
		m.send = make(chan protocol.Message, sendBuf)
		session := &Session{ClientID: clientID, RoomID: roomID, Send: m.send}
		r.sessions[clientID] = session
		snap := snapshotLocked(rm)
		rm.mu.Unlock()
		r.mu.Unlock()

		close(retired)
		slog.Info("session replaced", "room_id", roomID, "client_id", clientID)
		return session, snap, nil
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			members: make(map[string]*memberState),
			history: history.NewRing(r.capacity),
		}
		r.rooms[roomID] = rm
		slog.Info("room created", "room_id", roomID)
	}

	rm.mu.Lock()
	if len(rm.members) >= MaxRoomMembers {
		rm.mu.Unlock()
		r.mu.Unlock()
		return nil, JoinSnapshot{}, ErrRoomFull
	}

	m := &memberState{
		clientID: clientID,
		joinedAt: time.Now().UnixMilli(),
		send:     make(chan protocol.Message, sendBuf),
	}
	rm.members[clientID] = m
	session := &Session{ClientID: clientID, RoomID: roomID, Send: m.send}
	r.sessions[clientID] = session

	snap := snapshotLocked(rm)
	targets := fanoutTargetsLocked(rm, clientID)
	total := len(rm.members)
	rm.mu.Unlock()
	r.mu.Unlock()

	notify(targets, protocol.Message{
		Type:     protocol.TypeMemberJoined,
		RoomID:   roomID,
		ClientID: clientID,
	})

	slog.Info("member joined", "room_id", roomID, "client_id", clientID, "total_members", total)
	return session, snap, nil
}

// Leave removes clientID from its room. The room is garbage-collected when
// its last member leaves. Returns the room left, if any.
func (r *Relay) Leave(clientID string) (string, bool) {
	r.mu.Lock()
	session, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	return r.removeSessionLocked(session)
}

// LeaveSession removes the membership only if session is still the one
// registered for its identity. A connection whose session was replaced by a
// redial tears down as a no-op instead of evicting the live session.
func (r *Relay) LeaveSession(session *Session) (string, bool) {
	if session == nil {
		return "", false
	}
	r.mu.Lock()
	if current, ok := r.sessions[session.ClientID]; !ok || current != session {
		r.mu.Unlock()
		return "", false
	}
	return r.removeSessionLocked(session)
}

// removeSessionLocked is entered with r.mu held and releases it.
func (r *Relay) removeSessionLocked(session *Session) (string, bool) {
	clientID := session.ClientID
	delete(r.sessions, clientID)

	roomID := session.RoomID
	rm := r.rooms[roomID]

	rm.mu.Lock()
	m := rm.members[clientID]
	delete(rm.members, clientID)
	remaining := len(rm.members)
	targets := fanoutTargetsLocked(rm, "")
	rm.mu.Unlock()

	if remaining == 0 {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if m != nil {
		close(m.send)
	}
	notify(targets, protocol.Message{
		Type:     protocol.TypeMemberLeft,
		RoomID:   roomID,
		ClientID: clientID,
	})

	slog.Info("member left", "room_id", roomID, "client_id", clientID, "remaining_members", remaining)
	if remaining == 0 {
		slog.Info("room disposed", "room_id", roomID)
	}
	return roomID, true
}

// Refresh revalidates a live session and returns a fresh authoritative
// snapshot of its bound room. Asking for any other room is a gate violation.
// A session that has been replaced or has left gets ErrNotMember.
func (r *Relay) Refresh(session *Session, roomID string) (JoinSnapshot, error) {
	if strings.TrimSpace(roomID) != session.RoomID {
		slog.Warn("refresh denied", "client_id", session.ClientID, "bound_room", session.RoomID, "requested_room", roomID)
		return JoinSnapshot{}, ErrAccessDenied
	}

	r.mu.RLock()
	current, ok := r.sessions[session.ClientID]
	rm, roomExists := r.rooms[session.RoomID]
	r.mu.RUnlock()
	if !ok || current != session || !roomExists {
		return JoinSnapshot{}, ErrNotMember
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return snapshotLocked(rm), nil
}

// IsMember reports whether clientID is currently joined to roomID.
func (r *Relay) IsMember(clientID, roomID string) bool {
	r.mu.RLock()
	session, ok := r.sessions[clientID]
	r.mu.RUnlock()
	return ok && session.RoomID == roomID
}

// MembersOf returns the current member set of a room, ordered by join time.
// A missing room is equivalent to an empty one.
func (r *Relay) MembersOf(roomID string) []protocol.Member {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return membersLocked(rm)
}

// Snapshot returns the room's retained history, oldest first.
func (r *Relay) Snapshot(roomID string) []protocol.Content {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.history.Snapshot()
}

// Submit validates a submission, stamps it with sender and arrival time,
// appends it to the room history, and fans it out to every current member.
// Append and fan-out happen as one atomic unit relative to other operations
// on the same room. The stamped record is returned.
func (r *Relay) Submit(clientID, roomID string, c protocol.Content) (protocol.Content, error) {
	r.mu.RLock()
	session, knownClient := r.sessions[clientID]
	rm, roomExists := r.rooms[roomID]
	r.mu.RUnlock()

	if knownClient && session.RoomID != roomID {
		slog.Warn("submit denied", "client_id", clientID, "bound_room", session.RoomID, "requested_room", roomID)
		return protocol.Content{}, ErrAccessDenied
	}
	if !knownClient || !roomExists {
		slog.Warn("submit rejected", "client_id", clientID, "room_id", roomID)
		return protocol.Content{}, ErrNotMember
	}

	if err := codec.Validate(c); err != nil {
		return protocol.Content{}, err
	}
	c.SenderID = clientID
	c.TS = time.Now().UnixMilli()

	rm.mu.Lock()
	if _, member := rm.members[clientID]; !member {
		rm.mu.Unlock()
		return protocol.Content{}, ErrNotMember
	}
	rm.history.Append(c)
	r.totalMessages.Add(1)
	r.totalBytes.Add(uint64(len(c.Body) + len(c.DataURI)))

	// Fan out while still holding the room lock: concurrent submits to the
	// same room must not reorder between append and delivery.
	sent := notify(fanoutTargetsLocked(rm, ""), protocol.Message{
		Type:    protocol.TypeMessage,
		RoomID:  roomID,
		Content: &c,
	})
	rm.mu.Unlock()

	slog.Debug("message relayed", "room_id", roomID, "sender_id", clientID, "kind", c.Kind, "recipients", sent)
	return c, nil
}

// RoomCount returns the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ClientCount returns the number of active sessions.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns accumulated message/byte counts since the last call and
// resets them.
func (r *Relay) Stats() (messages, bytes uint64, clients int) {
	messages = r.totalMessages.Swap(0)
	bytes = r.totalBytes.Swap(0)
	clients = r.ClientCount()
	return
}

// RoomIDs returns the live room identifiers, sorted.
func (r *Relay) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func snapshotLocked(rm *room) JoinSnapshot {
	return JoinSnapshot{
		History: rm.history.Snapshot(),
		Members: membersLocked(rm),
	}
}

func membersLocked(rm *room) []protocol.Member {
	out := make([]protocol.Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, protocol.Member{ClientID: m.clientID, JoinedAt: m.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

func fanoutTargetsLocked(rm *room, exceptClientID string) []chan protocol.Message {
	targets := make([]chan protocol.Message, 0, len(rm.members))
	for id, m := range rm.members {
		if exceptClientID != "" && id == exceptClientID {
			continue
		}
		targets = append(targets, m.send)
	}
	return targets
}

func notify(targets []chan protocol.Message, msg protocol.Message) int {
	sent := 0
	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		}
	}
	return sent
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
