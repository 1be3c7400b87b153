// internal/room/room.go
package room

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-games/parlor/internal/protocol"
)

// Status is the lifecycle state of a room. Transitions only move forward:
// waiting -> in_progress -> finished, with abandoned reachable from waiting
// or in_progress.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusAbandoned  Status = "abandoned"
)

// canTransition encodes the forward-only status graph.
func canTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusInProgress || to == StatusAbandoned
	case StatusInProgress:
		return to == StatusFinished || to == StatusAbandoned
	default:
		return false
	}
}

// Participant is one player, lobby candidate, or spectator inside a room.
// Participants are owned by and indexed within the Room; they never hold a
// back-reference to it.
type Participant struct {
	UserID   int64
	Username string
	Avatar   string

	Score int
	Wins  int
	Ready bool
	Muted bool

	JoinedAt  time.Time
	Connected bool

	// ReconnectDeadline is set while the participant is disconnected. Zero
	// means connected or not yet tracked.
	ReconnectDeadline time.Time
}

// EmitFunc publishes one event envelope. Handlers call it zero or more times
// per command; delivery is best-effort and never rolls back state.
type EmitFunc func(env protocol.Envelope)

// Engine is the per-game turn logic plugged into a room when it starts.
// All methods run on the room's serialized command worker, so an Engine
// needs no locking of its own.
type Engine interface {
	// Start is invoked on the waiting -> in_progress transition. It must set
	// the first turn.
	Start(r *Room, emit EmitFunc)
	// HandleCommand processes a game-specific command from a player. Room
	// membership and status have already been checked.
	HandleCommand(r *Room, cmd protocol.Command, emit EmitFunc)
	// PlayerLeft is invoked after a player has been removed mid-game.
	// successor is the player who followed the leaver in join order before
	// removal (0 if none); if the leaver held the turn, the engine advances
	// to the first eligible player starting from successor.
	PlayerLeft(r *Room, userID, successor int64, emit EmitFunc)
	// PlayerDisconnected is invoked after a player's liveness flag drops.
	// The current turn is never advanced here; the engine may substitute an
	// automatic action if the room has auto-play enabled.
	PlayerDisconnected(r *Room, userID int64, emit EmitFunc)
}

// GameKind describes one supported game: player bounds and an engine
// factory. Kinds are registered with the store at startup.
type GameKind struct {
	Name       string
	MinPlayers int
	MaxPlayers int
	NewEngine  func() Engine
}

// Room is the authoritative in-memory model of one game session. It is
// mutated exclusively by its store shard's worker goroutine.
type Room struct {
	ID       string
	Name     string
	GameType string
	Kind     GameKind
	Status   Status

	HostID int64

	// Players in join order. Join order doubles as turn order for games that
	// start with the earliest-joined player.
	Players    []*Participant
	Lobby      map[int64]*Participant
	Spectators map[int64]*Participant
	Banned     map[int64]bool

	// CurrentTurn is 0 while no turn is active; otherwise it equals the
	// user id of exactly one current player.
	CurrentTurn int64
	TurnCount   int

	PasswordHash string
	MaxPlayers   int
	AutoPlay     bool

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	WinnerID   int64

	Chat   *ChatLog
	engine Engine

	// archived flips once the room summary has been handed to the
	// persistence collaborator.
	archived bool

	// seen is a bounded ring of processed envelope ids for at-least-once
	// dedup of room-addressed commands.
	seen     []uuid.UUID
	seenSet  map[uuid.UUID]struct{}
	seenNext int
}

const seenRingSize = 256

// NewRoom creates a waiting room with the host as its sole player.
func NewRoom(name string, kind GameKind, host Participant, passwordHash string, maxPlayers int) *Room {
	if maxPlayers <= 0 || maxPlayers > kind.MaxPlayers {
		maxPlayers = kind.MaxPlayers
	}
	host.Connected = true
	host.JoinedAt = time.Now()
	return &Room{
		ID:           uuid.NewString(),
		Name:         name,
		GameType:     kind.Name,
		Kind:         kind,
		Status:       StatusWaiting,
		HostID:       host.UserID,
		Players:      []*Participant{&host},
		Lobby:        make(map[int64]*Participant),
		Spectators:   make(map[int64]*Participant),
		Banned:       make(map[int64]bool),
		MaxPlayers:   maxPlayers,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
		Chat:         NewChatLog(defaultChatHistory),
		seen:         make([]uuid.UUID, seenRingSize),
		seenSet:      make(map[uuid.UUID]struct{}, seenRingSize),
	}
}

// MarkSeen records an envelope id, returning true if it was already seen.
func (r *Room) MarkSeen(id uuid.UUID) bool {
	if _, dup := r.seenSet[id]; dup {
		return true
	}
	if old := r.seen[r.seenNext]; old != uuid.Nil {
		delete(r.seenSet, old)
	}
	r.seen[r.seenNext] = id
	r.seenSet[id] = struct{}{}
	r.seenNext = (r.seenNext + 1) % seenRingSize
	return false
}

// Player returns the player with the given id, or nil.
func (r *Room) Player(userID int64) *Participant {
	for _, p := range r.Players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// Occupant returns any participant of the room (player, lobby, spectator).
func (r *Room) Occupant(userID int64) *Participant {
	if p := r.Player(userID); p != nil {
		return p
	}
	if p, ok := r.Lobby[userID]; ok {
		return p
	}
	if p, ok := r.Spectators[userID]; ok {
		return p
	}
	return nil
}

// Contains reports whether the user is present anywhere in the room.
func (r *Room) Contains(userID int64) bool {
	return r.Occupant(userID) != nil
}

// RemovePlayer removes a player from the ordered list, preserving join order.
func (r *Room) RemovePlayer(userID int64) bool {
	for i, p := range r.Players {
		if p.UserID == userID {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}

// NextPlayerAfter returns the next player in join order after userID,
// wrapping around and skipping players rejected by eligible. It returns 0 if
// no eligible player exists.
func (r *Room) NextPlayerAfter(userID int64, eligible func(*Participant) bool) int64 {
	n := len(r.Players)
	if n == 0 {
		return 0
	}
	start := 0
	for i, p := range r.Players {
		if p.UserID == userID {
			start = i
			break
		}
	}
	for i := 1; i <= n; i++ {
		p := r.Players[(start+i)%n]
		if eligible == nil || eligible(p) {
			return p.UserID
		}
	}
	return 0
}

// NextPlayerFrom is like NextPlayerAfter but considers startUserID itself as
// the first candidate.
func (r *Room) NextPlayerFrom(startUserID int64, eligible func(*Participant) bool) int64 {
	n := len(r.Players)
	if n == 0 {
		return 0
	}
	start := 0
	for i, p := range r.Players {
		if p.UserID == startUserID {
			start = i
			break
		}
	}
	for i := 0; i < n; i++ {
		p := r.Players[(start+i)%n]
		if eligible == nil || eligible(p) {
			return p.UserID
		}
	}
	return 0
}

// NextHost picks the successor after the host departs: the earliest seated
// player, falling back to the earliest-joined lobby candidate. Nil means no
// successor exists.
func (r *Room) NextHost() *Participant {
	if len(r.Players) > 0 {
		return r.Players[0]
	}
	var heir *Participant
	for _, p := range r.Lobby {
		if heir == nil || p.JoinedAt.Before(heir.JoinedAt) {
			heir = p
		}
	}
	return heir
}

// SetTurn updates the current turn, bumps the turn counter, and emits a
// turn_changed event to the whole room.
func (r *Room) SetTurn(userID int64, producer string, emit EmitFunc) {
	r.CurrentTurn = userID
	r.TurnCount++
	emit(protocol.NewEvent(protocol.EventTurnChanged, producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.TurnChangedPayload{
			RoomID:      r.ID,
			CurrentTurn: userID,
			TurnCount:   r.TurnCount,
		}))
}

// Transition moves the room to a new status, enforcing the forward-only
// graph. A rejected transition is a bug in the caller.
func (r *Room) Transition(to Status) error {
	if !canTransition(r.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s for room %s", r.Status, to, r.ID)
	}
	r.Status = to
	switch to {
	case StatusInProgress:
		r.StartedAt = time.Now()
	case StatusFinished, StatusAbandoned:
		r.FinishedAt = time.Now()
	}
	return nil
}

// Engine returns the active game engine, non-nil only while in_progress or
// finished.
func (r *Room) Engine() Engine {
	return r.engine
}

// ConnectedPlayers counts players whose liveness flag is up.
func (r *Room) ConnectedPlayers() int {
	n := 0
	for _, p := range r.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// ConnectedOccupants counts all connected participants, spectators included.
func (r *Room) ConnectedOccupants() int {
	n := r.ConnectedPlayers()
	for _, p := range r.Lobby {
		if p.Connected {
			n++
		}
	}
	for _, p := range r.Spectators {
		if p.Connected {
			n++
		}
	}
	return n
}

// CheckInvariants verifies the room's structural invariants. A violation is
// a fatal corruption: the caller abandons the room rather than leaving it
// inconsistent.
func (r *Room) CheckInvariants() error {
	if len(r.Players) > r.MaxPlayers {
		return fmt.Errorf("room %s: %d players exceeds max %d", r.ID, len(r.Players), r.MaxPlayers)
	}
	if r.CurrentTurn != 0 && r.Player(r.CurrentTurn) == nil {
		return fmt.Errorf("room %s: current turn %d is not a player", r.ID, r.CurrentTurn)
	}
	for id := range r.Banned {
		if r.Contains(id) {
			return fmt.Errorf("room %s: banned user %d still present", r.ID, id)
		}
	}
	return nil
}

func participantInfo(p *Participant) protocol.ParticipantInfo {
	info := protocol.ParticipantInfo{
		UserID:    p.UserID,
		Username:  p.Username,
		Avatar:    p.Avatar,
		Score:     p.Score,
		Wins:      p.Wins,
		Ready:     p.Ready,
		Connected: p.Connected,
	}
	if !p.Connected && !p.ReconnectDeadline.IsZero() {
		deadline := p.ReconnectDeadline
		info.TimeoutAt = &deadline
	}
	return info
}

// Snapshot builds the full room_state payload.
func (r *Room) Snapshot() protocol.RoomStatePayload {
	snap := protocol.RoomStatePayload{
		RoomID:      r.ID,
		RoomName:    r.Name,
		GameType:    r.GameType,
		Status:      string(r.Status),
		HostID:      r.HostID,
		CurrentTurn: r.CurrentTurn,
		TurnCount:   r.TurnCount,
		AutoPlay:    r.AutoPlay,
		WinnerID:    r.WinnerID,
		Players:     make([]protocol.ParticipantInfo, 0, len(r.Players)),
		Lobby:       make([]protocol.ParticipantInfo, 0, len(r.Lobby)),
		Spectators:  make([]protocol.ParticipantInfo, 0, len(r.Spectators)),
	}
	for _, p := range r.Players {
		snap.Players = append(snap.Players, participantInfo(p))
	}
	for _, p := range r.Lobby {
		snap.Lobby = append(snap.Lobby, participantInfo(p))
	}
	for _, p := range r.Spectators {
		snap.Spectators = append(snap.Spectators, participantInfo(p))
	}
	return snap
}

// ListEntry builds the room_list entry for the lobby browser.
func (r *Room) ListEntry() protocol.RoomListEntry {
	return protocol.RoomListEntry{
		RoomID:      r.ID,
		RoomName:    r.Name,
		GameType:    r.GameType,
		Status:      string(r.Status),
		PlayerCount: len(r.Players),
		MaxPlayers:  r.MaxPlayers,
		HasPassword: r.PasswordHash != "",
	}
}
