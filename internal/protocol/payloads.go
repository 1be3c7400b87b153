// internal/protocol/payloads.go
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Command payloads ---

type CreateRoomPayload struct {
	GameType   string `json:"game_type"`
	RoomName   string `json:"room_name"`
	Password   string `json:"password,omitempty"`
	MaxPlayers int    `json:"max_players,omitempty"`
}

type JoinRoomPayload struct {
	RoomName string `json:"room_name,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	Password string `json:"password,omitempty"`
}

type RoomRefPayload struct {
	RoomID string `json:"room_id"`
}

type TargetPlayerPayload struct {
	RoomID       string `json:"room_id"`
	TargetUserID int64  `json:"target_user_id"`
}

type SetAutoPlayPayload struct {
	RoomID  string `json:"room_id"`
	Enabled bool   `json:"enabled"`
}

type SendChatPayload struct {
	RoomID  string `json:"room_id"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

type ChatHistoryPayload struct {
	RoomID  string `json:"room_id"`
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
}

type PresencePayload struct {
	SocketID string `json:"socket_id"`
	RoomID   string `json:"room_id"`
}

// --- Event payloads ---

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ParticipantInfo is the wire snapshot of one player or spectator.
type ParticipantInfo struct {
	UserID    int64      `json:"user_id"`
	Username  string     `json:"username"`
	Avatar    string     `json:"avatar,omitempty"`
	Score     int        `json:"score"`
	Wins      int        `json:"wins"`
	Ready     bool       `json:"ready"`
	Connected bool       `json:"connected"`
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
}

// RoomStatePayload is the full room snapshot sent on join, rejoin and on
// request. Other participants receive it on membership changes; a
// reconnecting user receives it privately.
type RoomStatePayload struct {
	RoomID      string            `json:"room_id"`
	RoomName    string            `json:"room_name"`
	GameType    string            `json:"game_type"`
	Status      string            `json:"status"`
	HostID      int64             `json:"host_id"`
	Players     []ParticipantInfo `json:"players"`
	Lobby       []ParticipantInfo `json:"lobby"`
	Spectators  []ParticipantInfo `json:"spectators"`
	CurrentTurn int64             `json:"current_turn,omitempty"`
	TurnCount   int               `json:"turn_count"`
	AutoPlay    bool              `json:"auto_play"`
	WinnerID    int64             `json:"winner_id,omitempty"`
}

type RoomListEntry struct {
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	GameType    string `json:"game_type"`
	Status      string `json:"status"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	HasPassword bool   `json:"has_password"`
}

type RoomListPayload struct {
	Rooms []RoomListEntry `json:"rooms"`
}

type TurnChangedPayload struct {
	RoomID      string `json:"room_id"`
	CurrentTurn int64  `json:"current_turn"`
	TurnCount   int    `json:"turn_count"`
}

type RolledPayload struct {
	RoomID   string `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Value    int    `json:"value"`
	Score    int    `json:"score"`
	Round    int    `json:"round"`
	Auto     bool   `json:"auto,omitempty"`
}

type RoundResultPayload struct {
	RoomID   string        `json:"room_id"`
	Round    int           `json:"round"`
	WinnerID int64         `json:"winner_id"`
	Rolls    map[string]int `json:"rolls"`
	Wins     map[string]int `json:"wins"`
}

type TiebreakerPayload struct {
	RoomID  string  `json:"room_id"`
	Round   int     `json:"round"`
	UserIDs []int64 `json:"user_ids"`
	Value   int     `json:"value"`
}

type GameEndedPayload struct {
	RoomID   string         `json:"room_id"`
	WinnerID int64          `json:"winner_id"`
	Scores   map[string]int `json:"scores"`
	Wins     map[string]int `json:"wins"`
}

// PresenceEventPayload announces membership and liveness changes. Role tells
// the gateway which side of its connection index the user now sits on.
type PresenceEventPayload struct {
	RoomID    string     `json:"room_id"`
	UserID    int64      `json:"user_id"`
	Username  string     `json:"username"`
	Role      string     `json:"role,omitempty"`
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
}

// Participant roles carried in PresenceEventPayload.Role.
const (
	RolePlayer    = "player"
	RoleLobby     = "lobby"
	RoleSpectator = "spectator"
)

type ChatMessagePayload struct {
	RoomID   string    `json:"room_id"`
	Channel  string    `json:"channel"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

type ChatHistoryEventPayload struct {
	RoomID   string               `json:"room_id"`
	Channel  string               `json:"channel"`
	Messages []ChatMessagePayload `json:"messages"`
}

// --- Command decoding ---

// Command is the decoded form of a command envelope: exactly one of the
// pointer fields is set, matching Kind. Unknown wire types decode to
// Kind == CommandUnknown so consumers can log and drop them instead of
// crashing on a bad frame.
type Command struct {
	Kind     string
	Envelope Envelope

	CreateRoom   *CreateRoomPayload
	JoinRoom     *JoinRoomPayload
	RoomRef      *RoomRefPayload
	TargetPlayer *TargetPlayerPayload
	SetAutoPlay  *SetAutoPlayPayload
	SendChat     *SendChatPayload
	ChatHistory  *ChatHistoryPayload
	Presence     *PresencePayload
}

// CommandUnknown marks an envelope whose type string is not part of the
// command catalog.
const CommandUnknown = "unknown"

// IsGameAction reports whether a type string names a game-specific action,
// games.command.<game>.<verb>. The verbs themselves belong to the game
// engines, so the catalog only recognizes the shape.
func IsGameAction(eventType string) bool {
	rest, ok := strings.CutPrefix(eventType, "games.command.")
	if !ok {
		return false
	}
	game, verb, ok := strings.Cut(rest, ".")
	return ok && game != "" && verb != ""
}

// DecodeCommand maps a command envelope to its typed variant. A payload that
// fails to unmarshal is a malformed frame and returns an error; an
// unrecognized type string is not an error, it decodes to CommandUnknown.
func DecodeCommand(env Envelope) (Command, error) {
	cmd := Command{Kind: env.EventType, Envelope: env}

	unmarshal := func(dst interface{}) error {
		if len(env.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}
		return nil
	}

	switch env.EventType {
	case CmdCreateRoom:
		cmd.CreateRoom = &CreateRoomPayload{}
		return cmd, unmarshal(cmd.CreateRoom)
	case CmdJoinRoom:
		cmd.JoinRoom = &JoinRoomPayload{}
		return cmd, unmarshal(cmd.JoinRoom)
	case CmdJoinAsSpectator, CmdRejoinRoom, CmdLeaveRoom, CmdReady, CmdDiceRoll, CmdListRooms:
		cmd.RoomRef = &RoomRefPayload{}
		return cmd, unmarshal(cmd.RoomRef)
	case CmdSelectPlayer, CmdKickPlayer, CmdBanPlayer, CmdMutePlayer, CmdUnmutePlayer:
		cmd.TargetPlayer = &TargetPlayerPayload{}
		return cmd, unmarshal(cmd.TargetPlayer)
	case CmdSetAutoPlay:
		cmd.SetAutoPlay = &SetAutoPlayPayload{}
		return cmd, unmarshal(cmd.SetAutoPlay)
	case CmdSendChat:
		cmd.SendChat = &SendChatPayload{}
		return cmd, unmarshal(cmd.SendChat)
	case CmdChatHistory:
		cmd.ChatHistory = &ChatHistoryPayload{}
		return cmd, unmarshal(cmd.ChatHistory)
	case CmdPresenceDisconnected:
		cmd.Presence = &PresencePayload{}
		return cmd, unmarshal(cmd.Presence)
	default:
		// Game actions the catalog cannot enumerate all carry a room
		// reference; the engine interprets the verb.
		if IsGameAction(env.EventType) {
			cmd.RoomRef = &RoomRefPayload{}
			return cmd, unmarshal(cmd.RoomRef)
		}
		cmd.Kind = CommandUnknown
		return cmd, nil
	}
}
