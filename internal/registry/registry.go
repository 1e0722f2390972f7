// ABOUTME: Connection registry binding live sockets to identities and conversation rooms
// ABOUTME: Broadcast reads take snapshots so delivery tolerates concurrent connect and disconnect

package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/support-broker/internal/store"
)

// Identity is the authenticated principal behind a socket.
type Identity struct {
	UserID      string
	Role        store.Role
	DisplayName string
}

// IsAgent reports whether the identity is a support agent.
func (i Identity) IsAgent() bool { return i.Role == store.RoleAgent }

// IsCandidate reports whether the identity is a candidate.
func (i Identity) IsCandidate() bool { return i.Role == store.RoleCandidate }

// Peer delivers an outbound event to one socket. Deliver must not block on
// network I/O; it enqueues and reports failure if the socket is gone or full.
type Peer interface {
	Deliver(event string, payload any) error
}

// Member is a snapshot of one bound socket.
type Member struct {
	SocketID string
	Identity Identity
	Peer     Peer
}

type connection struct {
	identity Identity
	peer     Peer
	rooms    map[string]struct{}
}

// Counts summarizes who is connected.
type Counts struct {
	Candidates int `json:"candidates"` // distinct users
	Agents     int `json:"agents"`     // distinct users
	Sockets    int `json:"sockets"`
}

// Registry tracks live sockets. Unknown socket ids are ignored everywhere so a
// disconnect racing another operation never fails.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*connection         // socket id -> connection
	rooms   map[string]map[string]struct{} // conversation id -> socket ids
	users   map[string]map[string]struct{} // user id -> socket ids
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sockets: make(map[string]*connection),
		rooms:   make(map[string]map[string]struct{}),
		users:   make(map[string]map[string]struct{}),
		logger:  logger.With("component", "registry"),
	}
}

// Bind records the identity for a socket. Binding the same socket again
// replaces its identity and peer but keeps its rooms.
func (r *Registry) Bind(socketID string, id Identity, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sockets[socketID]; ok {
		if existing.identity.UserID != id.UserID {
			r.removeUserSocket(existing.identity.UserID, socketID)
			r.addUserSocket(id.UserID, socketID)
		}
		existing.identity = id
		existing.peer = peer
		return
	}

	r.sockets[socketID] = &connection{identity: id, peer: peer, rooms: make(map[string]struct{})}
	r.addUserSocket(id.UserID, socketID)

	r.logger.Info("socket bound",
		"socket_id", socketID,
		"user_id", id.UserID,
		"role", id.Role,
		"total_sockets", len(r.sockets))
}

// Unbind removes the socket and all of its room memberships, returning the
// rooms it was in. Conversation state is not touched.
func (r *Registry) Unbind(socketID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		r.removeRoomSocket(room, socketID)
		left = append(left, room)
	}
	r.removeUserSocket(conn.identity.UserID, socketID)
	delete(r.sockets, socketID)
	sort.Strings(left)

	r.logger.Info("socket unbound",
		"socket_id", socketID,
		"user_id", conn.identity.UserID,
		"rooms", len(left),
		"total_sockets", len(r.sockets))
	return left
}

// JoinRoom adds the socket to a conversation room. It reports false if the
// socket is unknown.
func (r *Registry) JoinRoom(socketID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return false
	}
	conn.rooms[conversationID] = struct{}{}
	if _, ok := r.rooms[conversationID]; !ok {
		r.rooms[conversationID] = make(map[string]struct{})
	}
	r.rooms[conversationID][socketID] = struct{}{}
	return true
}

// LeaveRoom removes the socket from a conversation room.
func (r *Registry) LeaveRoom(socketID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return
	}
	delete(conn.rooms, conversationID)
	r.removeRoomSocket(conversationID, socketID)
}

// LeaveAllRooms removes the socket from every room it is in.
func (r *Registry) LeaveAllRooms(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return
	}
	for room := range conn.rooms {
		r.removeRoomSocket(room, socketID)
	}
	conn.rooms = make(map[string]struct{})
}

// Identity returns the identity bound to socketID.
func (r *Registry) Identity(socketID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return Identity{}, false
	}
	return conn.identity, true
}

// Rooms returns the conversation ids the socket has joined, sorted.
func (r *Registry) Rooms(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.sockets[socketID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the socket has joined the conversation room.
func (r *Registry) InRoom(socketID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[conversationID][socketID]
	return ok
}

// RoomMembers returns a snapshot of the sockets in a conversation room.
func (r *Registry) RoomMembers(conversationID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.rooms[conversationID])
}

// SocketsForUser returns a snapshot of every socket bound to userID.
func (r *Registry) SocketsForUser(userID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.users[userID])
}

// Agents returns a snapshot of every socket bound to an agent identity.
func (r *Registry) Agents() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]Member, 0)
	for socketID, conn := range r.sockets {
		if conn.identity.IsAgent() {
			members = append(members, Member{SocketID: socketID, Identity: conn.identity, Peer: conn.peer})
		}
	}
	sortMembers(members)
	return members
}

// Counts returns connection totals.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	c.Sockets = len(r.sockets)
	for _, socketIDs := range r.users {
		// Count each user once, by the role of any one of their sockets.
		for socketID := range socketIDs {
			switch r.sockets[socketID].identity.Role {
			case store.RoleAgent:
				c.Agents++
			case store.RoleCandidate:
				c.Candidates++
			}
			break
		}
	}
	return c
}

func (r *Registry) snapshot(socketIDs map[string]struct{}) []Member {
	members := make([]Member, 0, len(socketIDs))
	for socketID := range socketIDs {
		conn := r.sockets[socketID]
		members = append(members, Member{SocketID: socketID, Identity: conn.identity, Peer: conn.peer})
	}
	sortMembers(members)
	return members
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].SocketID < members[j].SocketID })
}

func (r *Registry) addUserSocket(userID, socketID string) {
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = make(map[string]struct{})
	}
	r.users[userID][socketID] = struct{}{}
}

func (r *Registry) removeUserSocket(userID, socketID string) {
	delete(r.users[userID], socketID)
	if len(r.users[userID]) == 0 {
		delete(r.users, userID)
	}
}

func (r *Registry) removeRoomSocket(room, socketID string) {
	delete(r.rooms[room], socketID)
	if len(r.rooms[room]) == 0 {
		delete(r.rooms, room)
	}
}
