// internal/room/store.go
package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/protocol"
)

// Summary is the archival record handed to the persistence collaborator when
// a room finishes or is abandoned. The core only produces it; storage is
// someone else's job.
type Summary struct {
	RoomID     string         `json:"room_id"`
	RoomName   string         `json:"room_name"`
	GameType   string         `json:"game_type"`
	Status     string         `json:"status"`
	WinnerID   int64          `json:"winner_id"`
	Scores     map[string]int `json:"scores"`
	Wins       map[string]int `json:"wins"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Archiver receives finished-room summaries. Implementations push to a queue
// drained by the historian process.
type Archiver interface {
	ArchiveRoom(ctx context.Context, s Summary) error
}

// Options configures a Store.
type Options struct {
	Producer        string
	ReconnectWindow time.Duration
	// AbandonGrace is how long a room may sit with zero connected occupants
	// before the reaper abandons it.
	AbandonGrace time.Duration
	// FinishedLinger is how long finished/abandoned rooms stay resident for
	// late snapshot requests before being dropped.
	FinishedLinger time.Duration
}

func (o *Options) defaults() {
	if o.Producer == "" {
		o.Producer = "gamed"
	}
	if o.ReconnectWindow <= 0 {
		o.ReconnectWindow = 5 * time.Minute
	}
	if o.AbandonGrace <= 0 {
		o.AbandonGrace = time.Minute
	}
	if o.FinishedLinger <= 0 {
		o.FinishedLinger = time.Minute
	}
}

// shard owns one room. All mutations funnel through its task channel and run
// on a single worker goroutine, which is the serialization mechanism that
// replaces fine-grained locking inside the room and engine.
type shard struct {
	room  *Room
	tasks chan func(*Room)
	done  chan struct{}

	// emptySince tracks when the room last dropped to zero connected
	// occupants; zero time while occupied. Written only by the worker.
	emptySince time.Time
}

// Store owns the room map: a sharded, keyed registry where per-room workers
// replace the single global lock. The store mutex guards only the shard and
// name indexes, never room state.
type Store struct {
	mu     sync.Mutex
	shards map[string]*shard
	byName map[string]string

	kinds    map[string]GameKind
	logger   *logrus.Logger
	opts     Options
	eventBus bus.Bus
	archiver Archiver

	// createSeen deduplicates create_room envelopes before a room exists to
	// dedup against.
	createSeen map[uuid.UUID]string

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewStore builds a store publishing events on eventBus. archiver may be nil
// when no persistence collaborator is deployed.
func NewStore(eventBus bus.Bus, archiver Archiver, logger *logrus.Logger, opts Options) *Store {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		shards:     make(map[string]*shard),
		byName:     make(map[string]string),
		kinds:      make(map[string]GameKind),
		logger:     logger,
		opts:       opts,
		eventBus:   eventBus,
		archiver:   archiver,
		createSeen: make(map[uuid.UUID]string),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// RegisterKind makes a game kind available for create_room.
func (s *Store) RegisterKind(kind GameKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[kind.Name] = kind
}

// Run subscribes to the command topic and starts the reaper. It returns
// after subscription is established; processing continues until ctx ends.
func (s *Store) Run(ctx context.Context) error {
	if err := s.eventBus.Subscribe(ctx, bus.TopicCommands, func(ctx context.Context, env protocol.Envelope) {
		s.Dispatch(ctx, env)
	}); err != nil {
		return err
	}
	go s.reapLoop(ctx)
	return nil
}

// Close stops all shard workers.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range s.shards {
		close(sh.tasks)
	}
	s.shards = make(map[string]*shard)
}

// emit publishes an event envelope to the events topic. A publish failure is
// logged and dropped: the state mutation it describes is already
// authoritative, and clients can re-drive delivery by requesting a fresh
// room_state snapshot.
func (s *Store) emit(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	if err := s.eventBus.Publish(ctx, bus.TopicEvents, env); err != nil {
		s.logger.WithFields(logrus.Fields{
			"event": env.EventType,
			"room":  env.Audience.RoomID,
		}).Warnf("event publish failed: %v", err)
	}
}

// emitError publishes the typed terminal error event for a failed command.
func (s *Store) emitError(cmd protocol.Envelope, code protocol.ErrorCode, message string) {
	s.logger.WithFields(logrus.Fields{
		"command": cmd.EventType,
		"user":    cmd.Actor.UserID,
		"code":    code,
	}).Warn(message)
	s.emit(protocol.NewErrorEvent(cmd, s.opts.Producer, code, message))
}

// Dispatch routes one command envelope. Roomless commands are handled under
// the store mutex; room-addressed commands are enqueued onto the room's
// worker and handled strictly in arrival order.
func (s *Store) Dispatch(ctx context.Context, env protocol.Envelope) {
	cmd, err := protocol.DecodeCommand(env)
	if err != nil {
		// Malformed payloads should have been rejected at the gateway; a
		// frame that reaches us broken is dropped with a terminal error.
		s.emitError(env, protocol.ErrBadRequest, "malformed command payload")
		return
	}

	switch cmd.Kind {
	case protocol.CommandUnknown:
		s.logger.WithField("event_type", env.EventType).Warn("unknown command type, dropping")
		return
	case protocol.CmdCreateRoom:
		s.handleCreateRoom(cmd)
		return
	case protocol.CmdListRooms:
		s.handleListRooms(cmd)
		return
	case protocol.CmdJoinRoom:
		// Join may address the room by name; resolve to an id first, then
		// serialize through the room worker like any other room command.
		s.resolveAndEnqueue(cmd)
		return
	default:
		roomID := roomIDOf(cmd)
		if roomID == "" {
			s.emitError(env, protocol.ErrBadRequest, "command missing room reference")
			return
		}
		s.enqueue(roomID, cmd)
	}
}

func roomIDOf(cmd protocol.Command) string {
	switch {
	case cmd.RoomRef != nil:
		return cmd.RoomRef.RoomID
	case cmd.TargetPlayer != nil:
		return cmd.TargetPlayer.RoomID
	case cmd.SetAutoPlay != nil:
		return cmd.SetAutoPlay.RoomID
	case cmd.SendChat != nil:
		return cmd.SendChat.RoomID
	case cmd.ChatHistory != nil:
		return cmd.ChatHistory.RoomID
	case cmd.Presence != nil:
		return cmd.Presence.RoomID
	case cmd.JoinRoom != nil:
		return cmd.JoinRoom.RoomID
	}
	return ""
}

func (s *Store) resolveAndEnqueue(cmd protocol.Command) {
	roomID := cmd.JoinRoom.RoomID
	if roomID == "" {
		s.mu.Lock()
		roomID = s.byName[cmd.JoinRoom.RoomName]
		s.mu.Unlock()
	}
	if roomID == "" {
		s.emitError(cmd.Envelope, protocol.ErrRoomNotFound, "no such room")
		return
	}
	s.enqueue(roomID, cmd)
}

// enqueue hands the command to the room's worker, or answers room_not_found.
func (s *Store) enqueue(roomID string, cmd protocol.Command) {
	s.mu.Lock()
	sh, ok := s.shards[roomID]
	s.mu.Unlock()
	if !ok {
		// Presence signals for vanished rooms are routine, not errors.
		if cmd.Kind == protocol.CmdPresenceDisconnected {
			return
		}
		s.emitError(cmd.Envelope, protocol.ErrRoomNotFound, "no such room")
		return
	}
	sh.enqueue(func(r *Room) {
		if r.MarkSeen(cmd.Envelope.EventID) {
			// Duplicate delivery; the terminal event already went out once.
			return
		}
		s.handleRoomCommand(r, cmd)
		s.afterCommand(r, sh)
	})
}

func (sh *shard) enqueue(fn func(*Room)) {
	defer func() {
		// The shard may close between lookup and enqueue during teardown;
		// losing a command to a dead room is equivalent to room_not_found
		// after abandon, which duplicate delivery handling already covers.
		recover()
	}()
	select {
	case sh.tasks <- fn:
	case <-sh.done:
	}
}

func (sh *shard) run() {
	for fn := range sh.tasks {
		fn(sh.room)
	}
	close(sh.done)
}

// afterCommand runs the invariant check and occupancy bookkeeping after
// every command on a room. An invariant violation is fatal to the room.
func (s *Store) afterCommand(r *Room, sh *shard) {
	if err := r.CheckInvariants(); err != nil {
		s.logger.Errorf("room state corruption: %v", err)
		if r.Status == StatusWaiting || r.Status == StatusInProgress {
			s.abandonRoom(r, "internal room state error")
		}
		return
	}
	if r.Status == StatusFinished || r.Status == StatusAbandoned {
		s.archiveRoom(r)
		return
	}
	if r.ConnectedOccupants() == 0 {
		if sh.emptySince.IsZero() {
			sh.emptySince = time.Now()
		}
	} else {
		sh.emptySince = time.Time{}
	}
}

// handleCreateRoom registers the room under the store mutex so duplicate
// names and duplicate envelope ids are decided atomically.
func (s *Store) handleCreateRoom(cmd protocol.Command) {
	env := cmd.Envelope
	p := cmd.CreateRoom

	s.mu.Lock()
	if roomID, dup := s.createSeen[env.EventID]; dup {
		// Redelivery of an already-applied create: replay the terminal
		// event instead of creating a second room.
		s.mu.Unlock()
		s.emit(protocol.NewReply(env, protocol.EventRoomCreated, s.opts.Producer,
			protocol.RoomRefPayload{RoomID: roomID}))
		return
	}
	kind, ok := s.kinds[p.GameType]
	if !ok {
		s.mu.Unlock()
		s.emitError(env, protocol.ErrRoomNotFound, "unsupported game type")
		return
	}
	if _, taken := s.byName[p.RoomName]; taken || p.RoomName == "" {
		s.mu.Unlock()
		s.emitError(env, protocol.ErrDuplicateName, "room name already in use")
		return
	}

	var passwordHash string
	if p.Password != "" {
		h, err := hashRoomPassword(p.Password)
		if err != nil {
			s.mu.Unlock()
			s.emitError(env, protocol.ErrWrongPassword, "could not process room password")
			return
		}
		passwordHash = h
	}

	r := NewRoom(p.RoomName, kind, Participant{
		UserID:   env.Actor.UserID,
		Username: env.Actor.Username,
	}, passwordHash, p.MaxPlayers)

	sh := &shard{
		room:  r,
		tasks: make(chan func(*Room), 64),
		done:  make(chan struct{}),
	}
	s.shards[r.ID] = sh
	s.byName[r.Name] = r.ID
	s.createSeen[env.EventID] = r.ID
	s.mu.Unlock()

	go sh.run()

	s.logger.WithFields(logrus.Fields{
		"room": r.ID,
		"name": r.Name,
		"game": r.GameType,
		"host": r.HostID,
	}).Info("room created")

	s.emit(protocol.NewReply(env, protocol.EventRoomCreated, s.opts.Producer,
		protocol.RoomRefPayload{RoomID: r.ID}))
	s.emit(protocol.NewReply(env, protocol.EventRoomState, s.opts.Producer, r.Snapshot()))
}

func (s *Store) handleListRooms(cmd protocol.Command) {
	s.mu.Lock()
	entries := make([]protocol.RoomListEntry, 0, len(s.shards))
	for _, sh := range s.shards {
		r := sh.room
		if r.Status == StatusWaiting || r.Status == StatusInProgress {
			entries = append(entries, r.ListEntry())
		}
	}
	s.mu.Unlock()
	s.emit(protocol.NewReply(cmd.Envelope, protocol.EventRoomList, s.opts.Producer,
		protocol.RoomListPayload{Rooms: entries}))
}

// reapLoop periodically sweeps rooms for expired reconnection deadlines,
// prolonged emptiness, and finished rooms past their linger.
func (s *Store) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		sh := sh
		sh.enqueue(func(r *Room) {
			s.sweepRoom(r, sh)
		})
	}
}

// sweepRoom runs on the room worker so it cannot interleave with commands.
func (s *Store) sweepRoom(r *Room, sh *shard) {
	now := time.Now()

	switch r.Status {
	case StatusFinished, StatusAbandoned:
		if now.Sub(r.FinishedAt) > s.opts.FinishedLinger {
			s.dropRoom(r.ID, r.Name)
		}
		return
	}

	// Expired reconnection deadlines become leaves.
	for _, p := range snapshotParticipants(r) {
		if !p.Connected && !p.ReconnectDeadline.IsZero() && now.After(p.ReconnectDeadline) {
			s.logger.WithFields(logrus.Fields{
				"room": r.ID,
				"user": p.UserID,
			}).Info("reconnection window elapsed, removing participant")
			s.removeParticipant(r, p.UserID, true)
			if r.Status == StatusFinished || r.Status == StatusAbandoned {
				return
			}
		}
	}

	if r.ConnectedOccupants() == 0 {
		if sh.emptySince.IsZero() {
			sh.emptySince = now
		} else if now.Sub(sh.emptySince) > s.opts.AbandonGrace {
			s.abandonRoom(r, "room empty past grace period")
		}
	}
}

func snapshotParticipants(r *Room) []*Participant {
	out := make([]*Participant, 0, len(r.Players)+len(r.Lobby)+len(r.Spectators))
	out = append(out, r.Players...)
	for _, p := range r.Lobby {
		out = append(out, p)
	}
	for _, p := range r.Spectators {
		out = append(out, p)
	}
	return out
}

// dropRoom removes the shard and name index entry. The worker goroutine
// drains and exits once its channel closes.
func (s *Store) dropRoom(roomID, name string) {
	s.mu.Lock()
	sh, ok := s.shards[roomID]
	if ok {
		delete(s.shards, roomID)
		if s.byName[name] == roomID {
			delete(s.byName, name)
		}
		// The create dedup entry is only useful while the room it resolves
		// to still exists.
		for id, rid := range s.createSeen {
			if rid == roomID {
				delete(s.createSeen, id)
			}
		}
	}
	s.mu.Unlock()
	if ok {
		close(sh.tasks)
	}
}

// abandonRoom force-terminates a live room: terminal event to every
// occupant, archive, status abandoned.
func (s *Store) abandonRoom(r *Room, reason string) {
	if r.Status != StatusWaiting && r.Status != StatusInProgress {
		return
	}
	if err := r.Transition(StatusAbandoned); err != nil {
		s.logger.Errorf("abandon failed: %v", err)
		return
	}
	r.CurrentTurn = 0
	s.logger.WithFields(logrus.Fields{"room": r.ID, "reason": reason}).Info("room abandoned")
	s.emit(protocol.NewEvent(protocol.EventRoomAbandoned, s.opts.Producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), map[string]string{"room_id": r.ID, "reason": reason}))
	s.archiveRoom(r)
}

func (s *Store) archiveRoom(r *Room) {
	if r.archived {
		return
	}
	r.archived = true
	if s.archiver == nil {
		return
	}
	summary := Summary{
		RoomID:     r.ID,
		RoomName:   r.Name,
		GameType:   r.GameType,
		Status:     string(r.Status),
		WinnerID:   r.WinnerID,
		Scores:     make(map[string]int, len(r.Players)),
		Wins:       make(map[string]int, len(r.Players)),
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, p := range r.Players {
		key := p.Username
		if key == "" {
			key = protocolUserKey(p.UserID)
		}
		summary.Scores[key] = p.Score
		summary.Wins[key] = p.Wins
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	if err := s.archiver.ArchiveRoom(ctx, summary); err != nil {
		s.logger.Warnf("failed to archive room %s: %v", r.ID, err)
	}
}
