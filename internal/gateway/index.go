// internal/gateway/index.go
package gateway

import "sync"

// Index is the gateway's ephemeral connection-to-identity and
// connection-to-room bookkeeping. It holds no business state: room
// membership here is a routing cache derived from events, with the room
// process staying authoritative.
type Index struct {
	mu sync.RWMutex

	// userConns tracks every open connection per user; a user may hold
	// several simultaneous connections.
	userConns map[int64]map[string]struct{}
	connUser  map[string]int64

	// roomPlayers covers players and lobby candidates; roomSpectators is
	// kept disjoint from it so players-only and spectators-only audiences
	// never leak into each other.
	roomPlayers    map[string]map[string]struct{}
	roomSpectators map[string]map[string]struct{}
	connRoom       map[string]string
}

// NewIndex creates an empty connection index.
func NewIndex() *Index {
	return &Index{
		userConns:      make(map[int64]map[string]struct{}),
		connUser:       make(map[string]int64),
		roomPlayers:    make(map[string]map[string]struct{}),
		roomSpectators: make(map[string]map[string]struct{}),
		connRoom:       make(map[string]string),
	}
}

// BindUser associates an authenticated connection with its user identity.
func (ix *Index) BindUser(socketID string, userID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.connUser[socketID] = userID
	set, ok := ix.userConns[userID]
	if !ok {
		set = make(map[string]struct{})
		ix.userConns[userID] = set
	}
	set[socketID] = struct{}{}
}

// AttachRoom places a connection on the player or spectator side of a room,
// detaching it from any previous room first.
func (ix *Index) AttachRoom(socketID, roomID string, spectator bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.detachLocked(socketID)
	ix.connRoom[socketID] = roomID
	target := ix.roomPlayers
	if spectator {
		target = ix.roomSpectators
	}
	set, ok := target[roomID]
	if !ok {
		set = make(map[string]struct{})
		target[roomID] = set
	}
	set[socketID] = struct{}{}
}

// DetachRoom removes a connection from whatever room it sits in.
func (ix *Index) DetachRoom(socketID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.detachLocked(socketID)
}

func (ix *Index) detachLocked(socketID string) {
	roomID, ok := ix.connRoom[socketID]
	if !ok {
		return
	}
	delete(ix.connRoom, socketID)
	if set, ok := ix.roomPlayers[roomID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(ix.roomPlayers, roomID)
		}
	}
	if set, ok := ix.roomSpectators[roomID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(ix.roomSpectators, roomID)
		}
	}
}

// PromoteUser moves all of a user's connections in a room from the
// spectator side to the player side, e.g. after the host selects them.
func (ix *Index) PromoteUser(userID int64, roomID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for socketID := range ix.userConns[userID] {
		if ix.connRoom[socketID] != roomID {
			continue
		}
		if set, ok := ix.roomSpectators[roomID]; ok {
			delete(set, socketID)
			if len(set) == 0 {
				delete(ix.roomSpectators, roomID)
			}
		}
		set, ok := ix.roomPlayers[roomID]
		if !ok {
			set = make(map[string]struct{})
			ix.roomPlayers[roomID] = set
		}
		set[socketID] = struct{}{}
	}
}

// DropRoom detaches every connection sitting in a room, e.g. after the
// room is abandoned.
func (ix *Index) DropRoom(roomID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for socketID := range ix.roomPlayers[roomID] {
		delete(ix.connRoom, socketID)
	}
	for socketID := range ix.roomSpectators[roomID] {
		delete(ix.connRoom, socketID)
	}
	delete(ix.roomPlayers, roomID)
	delete(ix.roomSpectators, roomID)
}

// DetachUserFromRoom removes all of a user's connections from one room,
// e.g. after a kick or ban event.
func (ix *Index) DetachUserFromRoom(userID int64, roomID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for socketID := range ix.userConns[userID] {
		if ix.connRoom[socketID] == roomID {
			ix.detachLocked(socketID)
		}
	}
}

// Remove drops a closed connection entirely. It returns the room the
// connection was attached to and whether it was the user's last connection
// in that room, which decides whether a presence signal is due.
func (ix *Index) Remove(socketID string) (roomID string, lastInRoom bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	roomID = ix.connRoom[socketID]
	userID, hadUser := ix.connUser[socketID]
	ix.detachLocked(socketID)
	delete(ix.connUser, socketID)
	if hadUser {
		if set, ok := ix.userConns[userID]; ok {
			delete(set, socketID)
			if len(set) == 0 {
				delete(ix.userConns, userID)
			}
		}
	}

	if roomID == "" || !hadUser {
		return roomID, false
	}
	lastInRoom = true
	for other := range ix.userConns[userID] {
		if ix.connRoom[other] == roomID {
			lastInRoom = false
			break
		}
	}
	return roomID, lastInRoom
}

// UserID returns the identity bound to a connection, if any.
func (ix *Index) UserID(socketID string) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.connUser[socketID]
	return id, ok
}

// RoomOf returns the room a connection is attached to.
func (ix *Index) RoomOf(socketID string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.connRoom[socketID]
}
