// internal/protocol/types.go
package protocol

import "strconv"

// Envelope type strings follow {domain}.{direction}.{name}. Commands flow
// gateway -> game process; events flow back. The wire strings are stable and
// shared with clients, so they are never renamed.
const (
	// Commands.
	CmdCreateRoom      = "games.command.create_room"
	CmdJoinRoom        = "games.command.join_room"
	CmdJoinAsSpectator = "games.command.join_as_spectator"
	CmdRejoinRoom      = "games.command.rejoin_room"
	CmdLeaveRoom       = "games.command.leave_room"
	CmdReady           = "games.command.ready"
	CmdSelectPlayer    = "games.command.select_player"
	CmdKickPlayer      = "games.command.kick_player"
	CmdBanPlayer       = "games.command.ban_player"
	CmdMutePlayer      = "games.command.mute_player"
	CmdUnmutePlayer    = "games.command.unmute_player"
	CmdSetAutoPlay     = "games.command.set_auto_play"
	CmdListRooms       = "games.command.list_rooms"
	CmdSendChat        = "games.command.send_chat"
	CmdChatHistory     = "games.command.chat_history"
	CmdDiceRoll        = "games.command.dice.roll"

	// Presence signals emitted by the gateway itself on transport-level
	// connect/disconnect, never by clients.
	CmdPresenceDisconnected = "presence.command.disconnected"

	// Events.
	EventRoomCreated        = "games.event.room_created"
	EventLobbyJoined        = "games.event.lobby_joined"
	EventSpectatorJoined    = "games.event.spectator_joined"
	EventPlayerSelected     = "games.event.player_selected"
	EventPlayerKicked       = "games.event.player_kicked"
	EventPlayerBanned       = "games.event.player_banned"
	EventPlayerLeft         = "games.event.player_left"
	EventPlayerReady        = "games.event.player_ready"
	EventGameStarted        = "games.event.game_started"
	EventRoomState          = "games.event.room_state"
	EventRoomList           = "games.event.room_list"
	EventRoomAbandoned      = "games.event.room_abandoned"
	EventHostChanged        = "games.event.host_changed"
	EventTurnChanged        = "games.event.turn_changed"
	EventGameEnded          = "games.event.game_ended"
	EventPlayerDisconnected = "games.event.player_disconnected"
	EventPlayerRejoined     = "games.event.player_rejoined"
	EventAutoPlayChanged    = "games.event.auto_play_changed"
	EventChatMessage        = "games.event.chat_message"
	EventChatHistory        = "games.event.chat_history"
	EventUserMuted          = "games.event.user_muted"
	EventUserUnmuted        = "games.event.user_unmuted"
	EventError              = "games.event.error"

	EventDiceRolled            = "games.event.dice.rolled"
	EventDiceRoundResult       = "games.event.dice.round_result"
	EventDiceTiebreakerStarted = "games.event.dice.tiebreaker_started"
)

// ErrorCode is a stable, user-facing business error code.
type ErrorCode string

const (
	ErrBadRequest     ErrorCode = "bad_request"
	ErrRoomNotFound   ErrorCode = "room_not_found"
	ErrRoomFull       ErrorCode = "room_full"
	ErrNotYourTurn    ErrorCode = "not_your_turn"
	ErrGameNotStarted ErrorCode = "game_not_started"
	ErrAlreadyInRoom  ErrorCode = "already_in_room"
	ErrBanned         ErrorCode = "banned"
	ErrWrongPassword  ErrorCode = "wrong_password"
	ErrNotHost        ErrorCode = "not_host"
	ErrMuted          ErrorCode = "muted"
	ErrDuplicateName  ErrorCode = "duplicate_name"
	ErrNotInRoom      ErrorCode = "not_in_room"
	ErrBadChannel     ErrorCode = "bad_channel"
	ErrGameInProgress ErrorCode = "game_in_progress"
)

// Chat channel names. Visibility rules live in the room package.
const (
	ChannelLobby      = "lobby"
	ChannelPlayers    = "players"
	ChannelSpectators = "spectators"
)

// Role names carried in Actor.Roles.
const (
	RoleAdmin = "admin"
)

func formatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseUserID converts a wire-format user id back to its numeric identity.
func ParseUserID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
