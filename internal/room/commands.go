// internal/room/commands.go
package room

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/protocol"
)

func hashRoomPassword(password string) (string, error) {
	return auth.CreateHash(password, auth.Params)
}

func protocolUserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (s *Store) roleOf(r *Room, userID int64) string {
	switch {
	case r.Player(userID) != nil:
		return protocol.RolePlayer
	case r.Lobby[userID] != nil:
		return protocol.RoleLobby
	case r.Spectators[userID] != nil:
		return protocol.RoleSpectator
	}
	return ""
}

// handleRoomCommand runs on the room's worker goroutine: strictly one
// command at a time per room, different rooms fully in parallel.
func (s *Store) handleRoomCommand(r *Room, cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.CmdJoinRoom:
		s.handleJoinRoom(r, cmd)
	case protocol.CmdJoinAsSpectator:
		s.handleJoinSpectator(r, cmd)
	case protocol.CmdRejoinRoom:
		s.handleRejoin(r, cmd)
	case protocol.CmdLeaveRoom:
		s.handleLeave(r, cmd)
	case protocol.CmdReady:
		s.handleReady(r, cmd)
	case protocol.CmdSelectPlayer:
		s.handleSelectPlayer(r, cmd)
	case protocol.CmdKickPlayer:
		s.handleKick(r, cmd)
	case protocol.CmdBanPlayer:
		s.handleBan(r, cmd)
	case protocol.CmdMutePlayer:
		s.handleMute(r, cmd, true)
	case protocol.CmdUnmutePlayer:
		s.handleMute(r, cmd, false)
	case protocol.CmdSetAutoPlay:
		s.handleSetAutoPlay(r, cmd)
	case protocol.CmdSendChat:
		s.handleSendChat(r, cmd)
	case protocol.CmdChatHistory:
		s.handleChatHistory(r, cmd)
	case protocol.CmdPresenceDisconnected:
		s.handlePresenceDisconnected(r, cmd)
	default:
		if strings.HasPrefix(cmd.Kind, "games.command."+r.GameType+".") {
			s.handleGameCommand(r, cmd)
			return
		}
		s.logger.WithField("event_type", cmd.Kind).Warn("unroutable room command, dropping")
	}
}

func (s *Store) handleJoinRoom(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	actor := env.Actor

	if r.Status != StatusWaiting {
		s.emitError(env, protocol.ErrGameInProgress, "room is no longer accepting players")
		return
	}
	if r.Banned[actor.UserID] {
		s.emitError(env, protocol.ErrBanned, "you are banned from this room")
		return
	}
	if r.Contains(actor.UserID) {
		s.emitError(env, protocol.ErrAlreadyInRoom, "you are already in this room")
		return
	}
	if len(r.Players)+len(r.Lobby) >= r.MaxPlayers {
		s.emitError(env, protocol.ErrRoomFull, "room is full")
		return
	}
	if r.PasswordHash != "" {
		ok, err := auth.ComparePasswordAndHash(cmd.JoinRoom.Password, r.PasswordHash)
		if err != nil || !ok {
			s.emitError(env, protocol.ErrWrongPassword, "wrong room password")
			return
		}
	}

	r.Lobby[actor.UserID] = &Participant{
		UserID:    actor.UserID,
		Username:  actor.Username,
		Connected: true,
		JoinedAt:  time.Now(),
	}

	s.logger.WithFields(logrus.Fields{"room": r.ID, "user": actor.UserID}).Info("joined lobby")

	s.emit(protocol.NewEvent(protocol.EventLobbyJoined, s.opts.Producer, actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:   r.ID,
			UserID:   actor.UserID,
			Username: actor.Username,
			Role:     protocol.RoleLobby,
		}))
	s.emit(protocol.NewReply(env, protocol.EventRoomState, s.opts.Producer, r.Snapshot()))
}

func (s *Store) handleJoinSpectator(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	actor := env.Actor

	if r.Status == StatusFinished || r.Status == StatusAbandoned {
		s.emitError(env, protocol.ErrRoomNotFound, "room is over")
		return
	}
	if r.Banned[actor.UserID] {
		s.emitError(env, protocol.ErrBanned, "you are banned from this room")
		return
	}
	if r.Contains(actor.UserID) {
		s.emitError(env, protocol.ErrAlreadyInRoom, "you are already in this room")
		return
	}

	r.Spectators[actor.UserID] = &Participant{
		UserID:    actor.UserID,
		Username:  actor.Username,
		Connected: true,
		JoinedAt:  time.Now(),
	}

	s.emit(protocol.NewEvent(protocol.EventSpectatorJoined, s.opts.Producer, actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:   r.ID,
			UserID:   actor.UserID,
			Username: actor.Username,
			Role:     protocol.RoleSpectator,
		}))
	s.emit(protocol.NewReply(env, protocol.EventRoomState, s.opts.Producer, r.Snapshot()))
}

// hostOnly guards host-only lobby management transitions.
func (s *Store) hostOnly(r *Room, cmd protocol.Command) bool {
	if cmd.Envelope.Actor.UserID != r.HostID {
		s.emitError(cmd.Envelope, protocol.ErrNotHost, "only the host may do that")
		return false
	}
	return true
}

// handleSelectPlayer promotes a lobby candidate (or spectator) to player.
func (s *Store) handleSelectPlayer(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if !s.hostOnly(r, cmd) {
		return
	}
	if r.Status != StatusWaiting {
		s.emitError(env, protocol.ErrGameInProgress, "cannot change players mid-game")
		return
	}
	target := cmd.TargetPlayer.TargetUserID
	p, ok := r.Lobby[target]
	if !ok {
		p, ok = r.Spectators[target]
	}
	if !ok {
		s.emitError(env, protocol.ErrNotInRoom, "target is not in the lobby")
		return
	}
	// Capacity is checked before the target gives up their current seat, so
	// a failed promotion changes nothing.
	if len(r.Players) >= r.MaxPlayers {
		s.emitError(env, protocol.ErrRoomFull, "room is full")
		return
	}
	delete(r.Lobby, target)
	delete(r.Spectators, target)
	p.Ready = false
	r.Players = append(r.Players, p)

	s.emit(protocol.NewEvent(protocol.EventPlayerSelected, s.opts.Producer, env.Actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:   r.ID,
			UserID:   p.UserID,
			Username: p.Username,
			Role:     protocol.RolePlayer,
		}))
	s.broadcastState(r)
}

// handleKick removes a lobby member or player without banning them. Kicked
// users may rejoin; that is deliberate and distinct from a ban.
func (s *Store) handleKick(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if !s.hostOnly(r, cmd) {
		return
	}
	target := cmd.TargetPlayer.TargetUserID
	if target == r.HostID {
		s.emitError(env, protocol.ErrNotHost, "the host cannot kick themselves")
		return
	}
	if !r.Contains(target) {
		s.emitError(env, protocol.ErrNotInRoom, "target is not in the room")
		return
	}
	s.emit(protocol.NewEvent(protocol.EventPlayerKicked, s.opts.Producer, env.Actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID: r.ID,
			UserID: target,
		}))
	s.removeParticipant(r, target, false)
}

// handleBan removes the target and records the ban so they can never rejoin
// in any role while the room lives.
func (s *Store) handleBan(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if !s.hostOnly(r, cmd) {
		return
	}
	target := cmd.TargetPlayer.TargetUserID
	if target == r.HostID {
		s.emitError(env, protocol.ErrNotHost, "the host cannot ban themselves")
		return
	}
	r.Banned[target] = true
	s.emit(protocol.NewEvent(protocol.EventPlayerBanned, s.opts.Producer, env.Actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID: r.ID,
			UserID: target,
		}))
	if r.Contains(target) {
		s.removeParticipant(r, target, false)
	}
}

// handleMute toggles the mute flag. The acknowledgment goes only to the
// muting admin; the muted user is not notified and their subsequent chat
// writes are silently dropped.
func (s *Store) handleMute(r *Room, cmd protocol.Command, mute bool) {
	env := cmd.Envelope
	if env.Actor.UserID != r.HostID && !env.Actor.HasRole(protocol.RoleAdmin) {
		s.emitError(env, protocol.ErrNotHost, "only the host or an admin may mute")
		return
	}
	target := r.Occupant(cmd.TargetPlayer.TargetUserID)
	if target == nil {
		s.emitError(env, protocol.ErrNotInRoom, "target is not in the room")
		return
	}
	target.Muted = mute
	eventType := protocol.EventUserMuted
	if !mute {
		eventType = protocol.EventUserUnmuted
	}
	s.emit(protocol.NewReply(env, eventType, s.opts.Producer, protocol.PresenceEventPayload{
		RoomID:   r.ID,
		UserID:   target.UserID,
		Username: target.Username,
	}))
}

// handleReady marks a player ready. When every player is ready and the
// player count meets the game minimum, the room starts.
func (s *Store) handleReady(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if r.Status != StatusWaiting {
		s.emitError(env, protocol.ErrGameInProgress, "game already started")
		return
	}
	p := r.Player(env.Actor.UserID)
	if p == nil {
		s.emitError(env, protocol.ErrNotInRoom, "you are not a player in this room")
		return
	}
	if !p.Ready {
		p.Ready = true
		s.emit(protocol.NewEvent(protocol.EventPlayerReady, s.opts.Producer, env.Actor,
			protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
				RoomID:   r.ID,
				UserID:   p.UserID,
				Username: p.Username,
			}))
	}

	if len(r.Players) < r.Kind.MinPlayers {
		return
	}
	for _, pl := range r.Players {
		if !pl.Ready {
			return
		}
	}
	s.startGame(r)
}

func (s *Store) startGame(r *Room) {
	if err := r.Transition(StatusInProgress); err != nil {
		s.logger.Errorf("start failed: %v", err)
		return
	}
	r.TurnCount = 0
	r.engine = r.Kind.NewEngine()

	s.logger.WithFields(logrus.Fields{"room": r.ID, "players": len(r.Players)}).Info("game started")

	s.emit(protocol.NewEvent(protocol.EventGameStarted, s.opts.Producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.RoomRefPayload{RoomID: r.ID}))
	s.broadcastState(r)

	// The engine sets the first turn per the game kind's starting rule.
	r.engine.Start(r, s.emit)
}

// handleLeave removes the actor voluntarily.
func (s *Store) handleLeave(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if !r.Contains(env.Actor.UserID) {
		s.emitError(env, protocol.ErrNotInRoom, "you are not in this room")
		return
	}
	s.removeParticipant(r, env.Actor.UserID, false)
}

// removeParticipant applies leave_room semantics for any role: voluntary
// leave, kick, ban removal, and reconnection-deadline expiry all funnel
// here. timedOut marks deadline expiry for logging only.
func (s *Store) removeParticipant(r *Room, userID int64, timedOut bool) {
	p := r.Occupant(userID)
	if p == nil {
		return
	}

	wasPlayer := r.Player(userID) != nil
	wasCurrentTurn := r.CurrentTurn == userID
	var successor int64
	if wasPlayer {
		successor = r.NextPlayerAfter(userID, func(p *Participant) bool { return p.UserID != userID })
	}

	if wasPlayer {
		r.RemovePlayer(userID)
	} else {
		delete(r.Lobby, userID)
		delete(r.Spectators, userID)
	}

	s.emit(protocol.NewEvent(protocol.EventPlayerLeft, s.opts.Producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:   r.ID,
			UserID:   userID,
			Username: p.Username,
		}))

	// Host migration: a room must not go headless while anyone who could
	// run it remains. With no successor at all, a waiting room is dead.
	if userID == r.HostID {
		if heir := r.NextHost(); heir != nil {
			r.HostID = heir.UserID
			s.emit(protocol.NewEvent(protocol.EventHostChanged, s.opts.Producer, protocol.Actor{},
				protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
					RoomID:   r.ID,
					UserID:   heir.UserID,
					Username: heir.Username,
				}))
		} else if r.Status == StatusWaiting {
			s.abandonRoom(r, "host left with no successor")
			return
		}
	}

	if !wasPlayer {
		s.broadcastState(r)
		return
	}

	if r.Status == StatusInProgress {
		if len(r.Players) < r.Kind.MinPlayers {
			s.abandonRoom(r, "too few players remain")
			return
		}
		if wasCurrentTurn {
			r.CurrentTurn = 0
		} else {
			successor = 0
		}
		r.engine.PlayerLeft(r, userID, successor, s.emit)
	} else if r.Status == StatusWaiting && len(r.Players) == 0 && len(r.Lobby) == 0 && len(r.Spectators) == 0 {
		s.abandonRoom(r, "everyone left")
		return
	}

	s.broadcastState(r)
	if timedOut {
		s.logger.WithFields(logrus.Fields{"room": r.ID, "user": userID}).Debug("removed after timeout")
	}
}

// handleRejoin restores a disconnected participant within their window.
func (s *Store) handleRejoin(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	p := r.Occupant(env.Actor.UserID)
	if p == nil {
		s.emitError(env, protocol.ErrNotInRoom, "you are not in this room")
		return
	}
	p.Connected = true
	p.ReconnectDeadline = time.Time{}

	s.logger.WithFields(logrus.Fields{"room": r.ID, "user": p.UserID}).Info("participant rejoined")

	s.emit(protocol.NewEvent(protocol.EventPlayerRejoined, s.opts.Producer, env.Actor,
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:   r.ID,
			UserID:   p.UserID,
			Username: p.Username,
			Role:     s.roleOf(r, p.UserID),
		}))
	// Only the rejoining actor needs the snapshot; everyone else already
	// holds correct state.
	s.emit(protocol.NewReply(env, protocol.EventRoomState, s.opts.Producer, r.Snapshot()))
}

// handlePresenceDisconnected reacts to a transport-level close reported by
// the gateway. The participant keeps their seat; if they hold the current
// turn it is held, not advanced.
func (s *Store) handlePresenceDisconnected(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	p := r.Occupant(env.Actor.UserID)
	if p == nil || !p.Connected {
		return
	}
	p.Connected = false
	deadline := time.Now().Add(s.opts.ReconnectWindow)
	p.ReconnectDeadline = deadline

	s.emit(protocol.NewEvent(protocol.EventPlayerDisconnected, s.opts.Producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), protocol.PresenceEventPayload{
			RoomID:    r.ID,
			UserID:    p.UserID,
			Username:  p.Username,
			TimeoutAt: &deadline,
		}))

	if r.Status != StatusInProgress {
		return
	}
	if r.ConnectedPlayers() == 0 {
		// With every remaining player gone there is no active turn-taker
		// left; keeping the room live would just strand it.
		s.abandonRoom(r, "all players disconnected")
		return
	}
	r.engine.PlayerDisconnected(r, p.UserID, s.emit)
}

func (s *Store) handleSetAutoPlay(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	// Host may enable for the room; a player may enable for a room they sit
	// in (self opt-in while away).
	if env.Actor.UserID != r.HostID && r.Player(env.Actor.UserID) == nil {
		s.emitError(env, protocol.ErrNotHost, "only the host or a player may change auto-play")
		return
	}
	r.AutoPlay = cmd.SetAutoPlay.Enabled
	s.emit(protocol.NewEvent(protocol.EventAutoPlayChanged, s.opts.Producer, env.Actor,
		protocol.RoomAudience(r.ID), protocol.SetAutoPlayPayload{
			RoomID:  r.ID,
			Enabled: r.AutoPlay,
		}))
	// Enabling auto-play may immediately unblock a held turn.
	if r.AutoPlay && r.Status == StatusInProgress && r.CurrentTurn != 0 {
		if cur := r.Player(r.CurrentTurn); cur != nil && !cur.Connected {
			r.engine.PlayerDisconnected(r, cur.UserID, s.emit)
		}
	}
}

func (s *Store) handleSendChat(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	p := r.Occupant(env.Actor.UserID)
	if p == nil {
		s.emitError(env, protocol.ErrNotInRoom, "you are not in this room")
		return
	}
	channel := cmd.SendChat.Channel
	if !r.canWriteChannel(env.Actor.UserID, channel) {
		s.emitError(env, protocol.ErrBadChannel, "you may not write to that channel")
		return
	}
	if p.Muted {
		// Accepted but never fanned out.
		return
	}

	msg := protocol.ChatMessagePayload{
		RoomID:   r.ID,
		Channel:  channel,
		UserID:   env.Actor.UserID,
		Username: env.Actor.Username,
		Content:  cmd.SendChat.Content,
		SentAt:   time.Now().UTC(),
	}
	r.Chat.Append(msg)
	s.emit(protocol.NewEvent(protocol.EventChatMessage, s.opts.Producer, env.Actor,
		r.chatAudience(channel), msg))
}

func (s *Store) handleChatHistory(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	channel := cmd.ChatHistory.Channel
	if !r.canReadChannel(env.Actor.UserID, channel) {
		s.emitError(env, protocol.ErrBadChannel, "you may not read that channel")
		return
	}
	s.emit(protocol.NewReply(env, protocol.EventChatHistory, s.opts.Producer,
		protocol.ChatHistoryEventPayload{
			RoomID:   r.ID,
			Channel:  channel,
			Messages: r.Chat.Recent(channel, cmd.ChatHistory.Limit),
		}))
}

// handleGameCommand forwards a game-specific action to the engine after the
// room-level checks every game shares.
func (s *Store) handleGameCommand(r *Room, cmd protocol.Command) {
	env := cmd.Envelope
	if r.Status != StatusInProgress {
		s.emitError(env, protocol.ErrGameNotStarted, "game has not started")
		return
	}
	if r.Player(env.Actor.UserID) == nil {
		s.emitError(env, protocol.ErrNotInRoom, "you are not a player in this room")
		return
	}
	r.engine.HandleCommand(r, cmd, s.emit)
}

// broadcastState pushes a fresh snapshot to the whole room after membership
// or status changes.
func (s *Store) broadcastState(r *Room) {
	s.emit(protocol.NewEvent(protocol.EventRoomState, s.opts.Producer, protocol.Actor{},
		protocol.RoomAudience(r.ID), r.Snapshot()))
}
