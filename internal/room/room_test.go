// internal/room/room_test.go
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/protocol"
)

// recorderBus collects published envelopes instead of sending them anywhere.
type recorderBus struct {
	mu        sync.Mutex
	published []protocol.Envelope
}

func (b *recorderBus) Publish(_ context.Context, _ string, env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *recorderBus) Subscribe(_ context.Context, _ string, _ bus.Handler) error { return nil }

func (b *recorderBus) Close() error { return nil }

func (b *recorderBus) eventsOf(eventType string) []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range b.published {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (b *recorderBus) lastOf(eventType string) *protocol.Envelope {
	events := b.eventsOf(eventType)
	if len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

func (b *recorderBus) lastErrorCode() protocol.ErrorCode {
	env := b.lastOf(protocol.EventError)
	if env == nil {
		return ""
	}
	var p protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ""
	}
	return p.Code
}

func (b *recorderBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}

// stubEngine records engine callbacks and advances turns the simplest
// possible way so room-level behavior can be tested without real game logic.
type stubEngine struct {
	started      bool
	commands     []protocol.Command
	left         []int64
	successors   []int64
	disconnected []int64
}

func (e *stubEngine) Start(r *Room, emit EmitFunc) {
	e.started = true
	if len(r.Players) > 0 {
		r.SetTurn(r.Players[0].UserID, "test", emit)
	}
}

func (e *stubEngine) HandleCommand(_ *Room, cmd protocol.Command, _ EmitFunc) {
	e.commands = append(e.commands, cmd)
}

func (e *stubEngine) PlayerLeft(r *Room, userID, successor int64, emit EmitFunc) {
	e.left = append(e.left, userID)
	e.successors = append(e.successors, successor)
	if successor != 0 {
		r.SetTurn(successor, "test", emit)
	}
}

func (e *stubEngine) PlayerDisconnected(_ *Room, userID int64, _ EmitFunc) {
	e.disconnected = append(e.disconnected, userID)
}

type testEnv struct {
	store  *Store
	bus    *recorderBus
	engine *stubEngine
}

func newTestStore(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	te := &testEnv{bus: &recorderBus{}}
	te.store = NewStore(te.bus, nil, logger, Options{
		Producer:        "gamed-test",
		ReconnectWindow: time.Minute,
	})
	te.store.RegisterKind(GameKind{
		Name:       "stub",
		MinPlayers: 2,
		MaxPlayers: 4,
		NewEngine: func() Engine {
			te.engine = &stubEngine{}
			return te.engine
		},
	})
	t.Cleanup(te.store.Close)
	return te
}

func actor(userID int64, username string) protocol.Actor {
	return protocol.Actor{UserID: userID, Username: username, SocketID: username + "-sock"}
}

func mustDecode(t *testing.T, env protocol.Envelope) protocol.Command {
	t.Helper()
	cmd, err := protocol.DecodeCommand(env)
	require.NoError(t, err)
	return cmd
}

// createRoom creates a stub-kind room through the store and returns it.
func (te *testEnv) createRoom(t *testing.T, host protocol.Actor, name, password string, maxPlayers int) *Room {
	t.Helper()
	env := protocol.NewCommand(protocol.CmdCreateRoom, "test", host, protocol.CreateRoomPayload{
		GameType:   "stub",
		RoomName:   name,
		Password:   password,
		MaxPlayers: maxPlayers,
	})
	te.store.handleCreateRoom(mustDecode(t, env))

	created := te.bus.lastOf(protocol.EventRoomCreated)
	require.NotNil(t, created, "room_created should have been emitted")
	var ref protocol.RoomRefPayload
	require.NoError(t, json.Unmarshal(created.Payload, &ref))
	return te.room(t, ref.RoomID)
}

func (te *testEnv) room(t *testing.T, roomID string) *Room {
	t.Helper()
	te.store.mu.Lock()
	defer te.store.mu.Unlock()
	sh, ok := te.store.shards[roomID]
	require.True(t, ok, "room %s should be registered", roomID)
	return sh.room
}

// do runs one room command synchronously through the store's handler.
func (te *testEnv) do(t *testing.T, r *Room, eventType string, a protocol.Actor, payload interface{}) {
	t.Helper()
	env := protocol.NewCommand(eventType, "test", a, payload)
	te.store.handleRoomCommand(r, mustDecode(t, env))
}

// startStubGame fast-forwards a fresh room into a running game with the
// given extra players joined and promoted.
func (te *testEnv) startStubGame(t *testing.T, host protocol.Actor, others ...protocol.Actor) *Room {
	t.Helper()
	r := te.createRoom(t, host, "game-"+uuid.NewString(), "", 0)
	for _, a := range others {
		te.do(t, r, protocol.CmdJoinRoom, a, protocol.JoinRoomPayload{RoomID: r.ID})
		te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: a.UserID})
	}
	te.do(t, r, protocol.CmdReady, host, protocol.RoomRefPayload{RoomID: r.ID})
	for _, a := range others {
		te.do(t, r, protocol.CmdReady, a, protocol.RoomRefPayload{RoomID: r.ID})
	}
	require.Equal(t, StatusInProgress, r.Status)
	require.NotNil(t, te.engine)
	require.True(t, te.engine.started)
	te.bus.clear()
	return r
}

func TestCreateRoomDuplicateName(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")

	te.createRoom(t, host, "friday", "", 0)

	env := protocol.NewCommand(protocol.CmdCreateRoom, "test", actor(2, "bob"), protocol.CreateRoomPayload{
		GameType: "stub",
		RoomName: "friday",
	})
	te.store.handleCreateRoom(mustDecode(t, env))
	assert.Equal(t, protocol.ErrDuplicateName, te.bus.lastErrorCode())
}

func TestCreateRoomReplayedEnvelope(t *testing.T) {
	te := newTestStore(t)
	env := protocol.NewCommand(protocol.CmdCreateRoom, "test", actor(1, "alice"), protocol.CreateRoomPayload{
		GameType: "stub",
		RoomName: "friday",
	})
	cmd := mustDecode(t, env)

	te.store.handleCreateRoom(cmd)
	first := te.bus.lastOf(protocol.EventRoomCreated)
	require.NotNil(t, first)

	// Redelivery of the identical envelope must not create a second room.
	te.store.handleCreateRoom(cmd)
	created := te.bus.eventsOf(protocol.EventRoomCreated)
	require.Len(t, created, 2)
	assert.JSONEq(t, string(first.Payload), string(created[1].Payload))

	te.store.mu.Lock()
	assert.Len(t, te.store.shards, 1)
	te.store.mu.Unlock()
}

func TestCreateRoomUnsupportedGameType(t *testing.T) {
	te := newTestStore(t)
	env := protocol.NewCommand(protocol.CmdCreateRoom, "test", actor(1, "alice"), protocol.CreateRoomPayload{
		GameType: "poker",
		RoomName: "nope",
	})
	te.store.handleCreateRoom(mustDecode(t, env))
	assert.Equal(t, protocol.ErrRoomNotFound, te.bus.lastErrorCode())
}

func TestJoinPromoteReadyStart(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)

	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	require.NotNil(t, r.Lobby[bob.UserID], "joiner lands in the lobby, not at the table")
	joined := te.bus.lastOf(protocol.EventLobbyJoined)
	require.NotNil(t, joined)
	var pres protocol.PresenceEventPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &pres))
	assert.Equal(t, protocol.RoleLobby, pres.Role)

	te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	require.NotNil(t, r.Player(bob.UserID))
	assert.Nil(t, r.Lobby[bob.UserID])

	// One ready is not enough.
	te.do(t, r, protocol.CmdReady, host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, StatusWaiting, r.Status)

	te.do(t, r, protocol.CmdReady, bob, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, StatusInProgress, r.Status)
	assert.True(t, te.engine.started)
	assert.Equal(t, host.UserID, r.CurrentTurn, "earliest joined player opens")
	assert.NotNil(t, te.bus.lastOf(protocol.EventGameStarted))
}

func TestSelectPlayerRequiresHost(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})

	te.do(t, r, protocol.CmdSelectPlayer, bob, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	assert.Equal(t, protocol.ErrNotHost, te.bus.lastErrorCode())
	assert.Nil(t, r.Player(bob.UserID))
}

func TestSelectPlayerFullKeepsSpectatorSeat(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	watcher := actor(3, "carol")
	r := te.createRoom(t, host, "tiny", "", 2)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	te.do(t, r, protocol.CmdJoinAsSpectator, watcher, protocol.RoomRefPayload{RoomID: r.ID})

	// A promotion rejected for capacity leaves the target exactly where
	// they were.
	te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: watcher.UserID})
	assert.Equal(t, protocol.ErrRoomFull, te.bus.lastErrorCode())
	assert.NotNil(t, r.Spectators[watcher.UserID])
	assert.Nil(t, r.Lobby[watcher.UserID])
	assert.Nil(t, r.Player(watcher.UserID))
}

func TestJoinRoomPassword(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "secret", "hunter2", 0)

	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID, Password: "wrong"})
	assert.Equal(t, protocol.ErrWrongPassword, te.bus.lastErrorCode())
	assert.Nil(t, r.Lobby[bob.UserID])

	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID, Password: "hunter2"})
	assert.NotNil(t, r.Lobby[bob.UserID])
}

func TestJoinRoomFull(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	r := te.createRoom(t, host, "tiny", "", 2)

	te.do(t, r, protocol.CmdJoinRoom, actor(2, "bob"), protocol.JoinRoomPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdJoinRoom, actor(3, "carol"), protocol.JoinRoomPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrRoomFull, te.bus.lastErrorCode())
	assert.Nil(t, r.Occupant(3))

	// Spectator seats are not capped by max_players.
	te.do(t, r, protocol.CmdJoinAsSpectator, actor(3, "carol"), protocol.RoomRefPayload{RoomID: r.ID})
	assert.NotNil(t, r.Spectators[3])
}

func TestJoinTwiceRejected(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)

	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrAlreadyInRoom, te.bus.lastErrorCode())
}

func TestKickAllowsRejoinBanDoesNot(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})

	te.do(t, r, protocol.CmdKickPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	assert.False(t, r.Contains(bob.UserID))
	assert.NotNil(t, te.bus.lastOf(protocol.EventPlayerKicked))

	// A kick is not a ban: the user may come back.
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	require.NotNil(t, r.Lobby[bob.UserID])

	te.do(t, r, protocol.CmdBanPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	assert.False(t, r.Contains(bob.UserID))
	assert.True(t, r.Banned[bob.UserID])

	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrBanned, te.bus.lastErrorCode())
	assert.False(t, r.Contains(bob.UserID))

	// Banned from every role, spectator included.
	te.do(t, r, protocol.CmdJoinAsSpectator, bob, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrBanned, te.bus.lastErrorCode())
}

func TestHostCannotKickOrBanSelf(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	r := te.createRoom(t, host, "friday", "", 0)

	te.do(t, r, protocol.CmdKickPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: host.UserID})
	assert.True(t, r.Contains(host.UserID))
	te.do(t, r, protocol.CmdBanPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: host.UserID})
	assert.False(t, r.Banned[host.UserID])
}

func TestHostMigrationOnLeave(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})

	te.do(t, r, protocol.CmdLeaveRoom, host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, bob.UserID, r.HostID)

	changed := te.bus.lastOf(protocol.EventHostChanged)
	require.NotNil(t, changed)
	var pres protocol.PresenceEventPayload
	require.NoError(t, json.Unmarshal(changed.Payload, &pres))
	assert.Equal(t, bob.UserID, pres.UserID)
}

func TestHostMigrationToLobbyCandidate(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})

	// The host was the only player; the lobby candidate inherits the room.
	te.do(t, r, protocol.CmdLeaveRoom, host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, StatusWaiting, r.Status)
	assert.Equal(t, bob.UserID, r.HostID)

	changed := te.bus.lastOf(protocol.EventHostChanged)
	require.NotNil(t, changed)
	var pres protocol.PresenceEventPayload
	require.NoError(t, json.Unmarshal(changed.Payload, &pres))
	assert.Equal(t, bob.UserID, pres.UserID)

	// The new host's privileges work immediately.
	te.bus.clear()
	te.do(t, r, protocol.CmdSelectPlayer, bob, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	assert.Empty(t, te.bus.lastErrorCode())
	assert.NotNil(t, r.Player(bob.UserID))
}

func TestHostLeaveWithOnlySpectatorsAbandons(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	watcher := actor(3, "carol")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinAsSpectator, watcher, protocol.RoomRefPayload{RoomID: r.ID})

	// Spectators cannot inherit the room, so it ends rather than surviving
	// headless.
	te.do(t, r, protocol.CmdLeaveRoom, host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, StatusAbandoned, r.Status)
	assert.NotNil(t, te.bus.lastOf(protocol.EventRoomAbandoned))
}

func TestDisconnectHoldsSeatAndRejoinRestores(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)

	te.do(t, r, protocol.CmdPresenceDisconnected, bob, protocol.PresencePayload{SocketID: "bob-sock", RoomID: r.ID})

	p := r.Player(bob.UserID)
	require.NotNil(t, p, "disconnected player keeps their seat")
	assert.False(t, p.Connected)
	assert.False(t, p.ReconnectDeadline.IsZero())

	down := te.bus.lastOf(protocol.EventPlayerDisconnected)
	require.NotNil(t, down)
	var pres protocol.PresenceEventPayload
	require.NoError(t, json.Unmarshal(down.Payload, &pres))
	require.NotNil(t, pres.TimeoutAt)

	// Duplicate disconnect signals are idempotent.
	te.bus.clear()
	te.do(t, r, protocol.CmdPresenceDisconnected, bob, protocol.PresencePayload{SocketID: "bob-sock", RoomID: r.ID})
	assert.Nil(t, te.bus.lastOf(protocol.EventPlayerDisconnected))

	te.do(t, r, protocol.CmdRejoinRoom, bob, protocol.RoomRefPayload{RoomID: r.ID})
	assert.True(t, p.Connected)
	assert.True(t, p.ReconnectDeadline.IsZero())

	// The rejoiner gets a private snapshot; the room gets the announcement.
	state := te.bus.lastOf(protocol.EventRoomState)
	require.NotNil(t, state)
	assert.Equal(t, protocol.AudienceUser, state.Audience.Type)
	rejoined := te.bus.lastOf(protocol.EventPlayerRejoined)
	require.NotNil(t, rejoined)
	assert.Equal(t, protocol.AudienceRoom, rejoined.Audience.Type)
}

func TestAllPlayersDisconnectedAbandons(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)

	te.do(t, r, protocol.CmdPresenceDisconnected, host, protocol.PresencePayload{SocketID: "alice-sock", RoomID: r.ID})
	assert.Equal(t, StatusInProgress, r.Status)

	te.do(t, r, protocol.CmdPresenceDisconnected, bob, protocol.PresencePayload{SocketID: "bob-sock", RoomID: r.ID})
	assert.Equal(t, StatusAbandoned, r.Status)
	assert.Zero(t, r.CurrentTurn)
	assert.NotNil(t, te.bus.lastOf(protocol.EventRoomAbandoned))
}

func TestLeaveMidGameBelowMinimumAbandons(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)

	te.do(t, r, protocol.CmdLeaveRoom, bob, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, StatusAbandoned, r.Status)
}

func TestLeaveMidGamePassesTurnToSuccessor(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	carol := actor(3, "carol")
	r := te.startStubGame(t, host, bob, carol)
	require.Equal(t, host.UserID, r.CurrentTurn)

	te.do(t, r, protocol.CmdLeaveRoom, host, protocol.RoomRefPayload{RoomID: r.ID})

	require.Equal(t, []int64{host.UserID}, te.engine.left)
	require.Equal(t, []int64{bob.UserID}, te.engine.successors)
	assert.Equal(t, bob.UserID, r.CurrentTurn)
	assert.Nil(t, r.Player(host.UserID))
}

func TestLeaveMidGameOffTurnKeepsTurn(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	carol := actor(3, "carol")
	r := te.startStubGame(t, host, bob, carol)

	te.do(t, r, protocol.CmdLeaveRoom, carol, protocol.RoomRefPayload{RoomID: r.ID})

	require.Equal(t, []int64{int64(0)}, te.engine.successors, "off-turn leave passes no successor")
	assert.Equal(t, host.UserID, r.CurrentTurn)
}

func TestGameCommandGuards(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "friday", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})

	// Game commands before start are rejected.
	te.do(t, r, "games.command.stub.move", host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrGameNotStarted, te.bus.lastErrorCode())

	te.do(t, r, protocol.CmdSelectPlayer, host, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: bob.UserID})
	te.do(t, r, protocol.CmdReady, host, protocol.RoomRefPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdReady, bob, protocol.RoomRefPayload{RoomID: r.ID})
	require.Equal(t, StatusInProgress, r.Status)

	// Spectators may not issue game commands.
	spec := actor(9, "watcher")
	te.do(t, r, protocol.CmdJoinAsSpectator, spec, protocol.RoomRefPayload{RoomID: r.ID})
	te.do(t, r, "games.command.stub.move", spec, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Equal(t, protocol.ErrNotInRoom, te.bus.lastErrorCode())
	assert.Empty(t, te.engine.commands)

	te.do(t, r, "games.command.stub.move", host, protocol.RoomRefPayload{RoomID: r.ID})
	assert.Len(t, te.engine.commands, 1)
}

func TestSetAutoPlay(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)

	outsider := actor(9, "rando")
	te.do(t, r, protocol.CmdSetAutoPlay, outsider, protocol.SetAutoPlayPayload{RoomID: r.ID, Enabled: true})
	assert.Equal(t, protocol.ErrNotHost, te.bus.lastErrorCode())
	assert.False(t, r.AutoPlay)

	te.do(t, r, protocol.CmdSetAutoPlay, bob, protocol.SetAutoPlayPayload{RoomID: r.ID, Enabled: true})
	assert.True(t, r.AutoPlay)
	assert.NotNil(t, te.bus.lastOf(protocol.EventAutoPlayChanged))
}

func TestAutoPlayEnableUnblocksHeldTurn(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)
	require.Equal(t, host.UserID, r.CurrentTurn)

	te.do(t, r, protocol.CmdPresenceDisconnected, host, protocol.PresencePayload{SocketID: "alice-sock", RoomID: r.ID})
	require.Equal(t, []int64{host.UserID}, te.engine.disconnected)

	te.do(t, r, protocol.CmdSetAutoPlay, bob, protocol.SetAutoPlayPayload{RoomID: r.ID, Enabled: true})
	assert.Equal(t, []int64{host.UserID, host.UserID}, te.engine.disconnected,
		"enabling auto-play re-signals the engine for the held turn")
}

func TestReapRemovesExpiredParticipant(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	carol := actor(3, "carol")
	r := te.startStubGame(t, host, bob, carol)

	p := r.Player(carol.UserID)
	p.Connected = false
	p.ReconnectDeadline = time.Now().Add(-time.Second)

	te.store.mu.Lock()
	sh := te.store.shards[r.ID]
	te.store.mu.Unlock()
	te.store.sweepRoom(r, sh)

	assert.Nil(t, r.Player(carol.UserID), "expired deadline becomes a leave")
	assert.NotNil(t, te.bus.lastOf(protocol.EventPlayerLeft))
	assert.Equal(t, StatusInProgress, r.Status)
}

func TestReapDropsFinishedRoomAfterLinger(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.startStubGame(t, host, bob)

	require.NoError(t, r.Transition(StatusFinished))
	r.FinishedAt = time.Now().Add(-10 * time.Minute)

	te.store.mu.Lock()
	sh := te.store.shards[r.ID]
	te.store.mu.Unlock()
	te.store.sweepRoom(r, sh)

	te.store.mu.Lock()
	_, stillThere := te.store.shards[r.ID]
	_, nameHeld := te.store.byName[r.Name]
	te.store.mu.Unlock()
	assert.False(t, stillThere)
	assert.False(t, nameHeld, "name frees up once the room is dropped")

	te.store.mu.Lock()
	dedupHeld := len(te.store.createSeen)
	te.store.mu.Unlock()
	assert.Zero(t, dedupHeld, "create dedup entries die with their room")
}

func TestDispatchMalformedPayloadAnswersBadRequest(t *testing.T) {
	te := newTestStore(t)
	env := protocol.NewCommand(protocol.CmdJoinRoom, "test", actor(1, "alice"), nil)
	env.Payload = json.RawMessage(`{"room_id": 42}`)

	te.store.Dispatch(context.Background(), env)
	assert.Equal(t, protocol.ErrBadRequest, te.bus.lastErrorCode())
}

func TestMarkSeenDedup(t *testing.T) {
	r := NewRoom("dedup", GameKind{Name: "stub", MaxPlayers: 4}, Participant{UserID: 1}, "", 0)

	id := uuid.New()
	assert.False(t, r.MarkSeen(id))
	assert.True(t, r.MarkSeen(id))

	// The ring evicts oldest entries once full.
	for i := 0; i < seenRingSize; i++ {
		r.MarkSeen(uuid.New())
	}
	assert.False(t, r.MarkSeen(id), "evicted id reads as unseen again")
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusWaiting, StatusInProgress, true},
		{StatusWaiting, StatusAbandoned, true},
		{StatusWaiting, StatusFinished, false},
		{StatusInProgress, StatusFinished, true},
		{StatusInProgress, StatusAbandoned, true},
		{StatusInProgress, StatusWaiting, false},
		{StatusFinished, StatusInProgress, false},
		{StatusFinished, StatusAbandoned, false},
		{StatusAbandoned, StatusWaiting, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckInvariants(t *testing.T) {
	kind := GameKind{Name: "stub", MinPlayers: 2, MaxPlayers: 4}
	r := NewRoom("inv", kind, Participant{UserID: 1, Username: "alice"}, "", 0)
	require.NoError(t, r.CheckInvariants())

	r.CurrentTurn = 99
	assert.Error(t, r.CheckInvariants(), "current turn must reference a player")
	r.CurrentTurn = 0

	r.Banned[1] = true
	assert.Error(t, r.CheckInvariants(), "banned users may not be present")
}

func TestNextPlayerOrdering(t *testing.T) {
	kind := GameKind{Name: "stub", MinPlayers: 2, MaxPlayers: 4}
	r := NewRoom("order", kind, Participant{UserID: 1}, "", 0)
	r.Players = append(r.Players,
		&Participant{UserID: 2, Connected: true},
		&Participant{UserID: 3, Connected: true},
	)

	assert.Equal(t, int64(2), r.NextPlayerAfter(1, nil))
	assert.Equal(t, int64(1), r.NextPlayerAfter(3, nil), "order wraps around")
	assert.Equal(t, int64(2), r.NextPlayerFrom(2, nil), "from-variant may keep the start player")

	onlyThree := func(p *Participant) bool { return p.UserID == 3 }
	assert.Equal(t, int64(3), r.NextPlayerAfter(1, onlyThree))
	assert.Zero(t, r.NextPlayerAfter(1, func(*Participant) bool { return false }))
}

// TestRandomCommandSequencesKeepInvariants throws seeded random command
// sequences at rooms and checks the structural invariants after every
// single command.
func TestRandomCommandSequencesKeepInvariants(t *testing.T) {
	te := newTestStore(t)
	rng := mrand.New(mrand.NewSource(99))

	users := make([]protocol.Actor, 6)
	for i := range users {
		users[i] = actor(int64(i+1), fmt.Sprintf("u%d", i+1))
	}

	r := te.createRoom(t, users[0], "fuzz-0", "", 0)
	rooms := 1

	for i := 0; i < 600; i++ {
		if r.Status == StatusFinished || r.Status == StatusAbandoned {
			r = te.createRoom(t, users[rng.Intn(len(users))], fmt.Sprintf("fuzz-%d", rooms), "", 0)
			rooms++
		}
		a := users[rng.Intn(len(users))]
		target := users[rng.Intn(len(users))]

		switch rng.Intn(10) {
		case 0:
			te.do(t, r, protocol.CmdJoinRoom, a, protocol.JoinRoomPayload{RoomID: r.ID})
		case 1:
			te.do(t, r, protocol.CmdJoinAsSpectator, a, protocol.RoomRefPayload{RoomID: r.ID})
		case 2:
			te.do(t, r, protocol.CmdSelectPlayer, a, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: target.UserID})
		case 3:
			te.do(t, r, protocol.CmdReady, a, protocol.RoomRefPayload{RoomID: r.ID})
		case 4:
			te.do(t, r, protocol.CmdLeaveRoom, a, protocol.RoomRefPayload{RoomID: r.ID})
		case 5:
			te.do(t, r, protocol.CmdKickPlayer, a, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: target.UserID})
		case 6:
			te.do(t, r, protocol.CmdBanPlayer, a, protocol.TargetPlayerPayload{RoomID: r.ID, TargetUserID: target.UserID})
		case 7:
			te.do(t, r, protocol.CmdPresenceDisconnected, a, protocol.PresencePayload{SocketID: a.SocketID, RoomID: r.ID})
		case 8:
			te.do(t, r, protocol.CmdRejoinRoom, a, protocol.RoomRefPayload{RoomID: r.ID})
		case 9:
			te.do(t, r, "games.command.stub.move", a, protocol.RoomRefPayload{RoomID: r.ID})
		}

		require.NoErrorf(t, r.CheckInvariants(), "after op %d", i)
		if r.CurrentTurn != 0 {
			require.NotNil(t, r.Player(r.CurrentTurn), "after op %d", i)
		}
	}
}

func TestSnapshotReflectsRoom(t *testing.T) {
	te := newTestStore(t)
	host := actor(1, "alice")
	bob := actor(2, "bob")
	r := te.createRoom(t, host, "snap", "", 0)
	te.do(t, r, protocol.CmdJoinRoom, bob, protocol.JoinRoomPayload{RoomID: r.ID})
	te.do(t, r, protocol.CmdJoinAsSpectator, actor(3, "carol"), protocol.RoomRefPayload{RoomID: r.ID})

	snap := r.Snapshot()
	assert.Equal(t, r.ID, snap.RoomID)
	assert.Equal(t, string(StatusWaiting), snap.Status)
	assert.Equal(t, host.UserID, snap.HostID)
	require.Len(t, snap.Players, 1)
	require.Len(t, snap.Lobby, 1)
	require.Len(t, snap.Spectators, 1)
	assert.Equal(t, "alice", snap.Players[0].Username)
}
