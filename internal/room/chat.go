// internal/room/chat.go
package room

import (
	"github.com/parlor-games/parlor/internal/protocol"
)

const defaultChatHistory = 50

// ChatLog keeps a bounded most-recent-N history per channel. History is
// served on demand (e.g. on reconnect), never pushed continuously.
type ChatLog struct {
	limit    int
	channels map[string][]protocol.ChatMessagePayload
}

// NewChatLog creates a log retaining at most limit messages per channel.
func NewChatLog(limit int) *ChatLog {
	if limit <= 0 {
		limit = defaultChatHistory
	}
	return &ChatLog{
		limit:    limit,
		channels: make(map[string][]protocol.ChatMessagePayload),
	}
}

// Append records a message, evicting the oldest once the channel is full.
func (c *ChatLog) Append(msg protocol.ChatMessagePayload) {
	msgs := append(c.channels[msg.Channel], msg)
	if len(msgs) > c.limit {
		msgs = msgs[len(msgs)-c.limit:]
	}
	c.channels[msg.Channel] = msgs
}

// Recent returns up to n most recent messages for a channel, oldest first.
func (c *ChatLog) Recent(channel string, n int) []protocol.ChatMessagePayload {
	msgs := c.channels[channel]
	if n <= 0 || n > c.limit {
		n = c.limit
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]protocol.ChatMessagePayload, len(msgs))
	copy(out, msgs)
	return out
}

// chatRole classifies an occupant for channel permission checks.
type chatRole int

const (
	chatOutsider chatRole = iota
	chatLobby
	chatPlayer
	chatSpectator
)

func (r *Room) chatRoleOf(userID int64) chatRole {
	if r.Player(userID) != nil {
		return chatPlayer
	}
	if _, ok := r.Lobby[userID]; ok {
		return chatLobby
	}
	if _, ok := r.Spectators[userID]; ok {
		return chatSpectator
	}
	return chatOutsider
}

// canWriteChannel applies the channel-scoped write rules: only players may
// write to players, only spectators to spectators, and anyone present may
// write to lobby.
func (r *Room) canWriteChannel(userID int64, channel string) bool {
	role := r.chatRoleOf(userID)
	switch channel {
	case protocol.ChannelLobby:
		return role != chatOutsider
	case protocol.ChannelPlayers:
		return role == chatPlayer
	case protocol.ChannelSpectators:
		return role == chatSpectator
	default:
		return false
	}
}

// canReadChannel applies read visibility: players is overhearable by
// spectators, spectators is spectator-only, lobby is open to all occupants.
func (r *Room) canReadChannel(userID int64, channel string) bool {
	role := r.chatRoleOf(userID)
	switch channel {
	case protocol.ChannelLobby:
		return role != chatOutsider
	case protocol.ChannelPlayers:
		return role == chatPlayer || role == chatSpectator
	case protocol.ChannelSpectators:
		return role == chatSpectator
	default:
		return false
	}
}

// chatAudience maps a channel to the audience its messages fan out to,
// mirroring canReadChannel so live delivery and history agree.
func (r *Room) chatAudience(channel string) protocol.Audience {
	switch channel {
	case protocol.ChannelSpectators:
		return protocol.SpectatorsAudience(r.ID)
	case protocol.ChannelPlayers:
		// Players plus overhearing spectators; lobby candidates are not
		// part of this channel.
		ids := make([]int64, 0, len(r.Players)+len(r.Spectators))
		for _, p := range r.Players {
			ids = append(ids, p.UserID)
		}
		for id := range r.Spectators {
			ids = append(ids, id)
		}
		return protocol.UsersAudience(ids...)
	default:
		return protocol.RoomAudience(r.ID)
	}
}
