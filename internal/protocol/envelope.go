// internal/protocol/envelope.go
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actor identifies whoever triggered an envelope. The SocketID lets the
// gateway route single-user replies back to the originating connection.
type Actor struct {
	UserID   int64    `json:"user_id"`
	Username string   `json:"username"`
	SocketID string   `json:"socket_id"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AudienceType enumerates the closed set of delivery targets.
type AudienceType string

const (
	AudienceUser       AudienceType = "user"
	AudienceUsers      AudienceType = "users"
	AudienceRoom       AudienceType = "room"
	AudiencePlayers    AudienceType = "players"
	AudienceSpectators AudienceType = "spectators"
	AudienceBroadcast  AudienceType = "broadcast"
)

// Audience describes who should receive the client message derived from an
// envelope. It is produced by the game process and resolved to concrete
// connections only inside the gateway.
type Audience struct {
	Type    AudienceType `json:"audience_type"`
	UserIDs []string     `json:"user_ids,omitempty"`
	RoomID  string       `json:"room_id,omitempty"`
}

// UserAudience targets a single user across all of their open connections.
func UserAudience(userID int64) Audience {
	return Audience{Type: AudienceUser, UserIDs: []string{formatUserID(userID)}}
}

// UsersAudience targets an explicit set of users.
func UsersAudience(userIDs ...int64) Audience {
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, formatUserID(id))
	}
	return Audience{Type: AudienceUsers, UserIDs: ids}
}

// RoomAudience targets every occupant of a room, players and spectators.
func RoomAudience(roomID string) Audience {
	return Audience{Type: AudienceRoom, RoomID: roomID}
}

// PlayersAudience targets only the players of a room.
func PlayersAudience(roomID string) Audience {
	return Audience{Type: AudiencePlayers, RoomID: roomID}
}

// SpectatorsAudience targets only the spectators of a room.
func SpectatorsAudience(roomID string) Audience {
	return Audience{Type: AudienceSpectators, RoomID: roomID}
}

// BroadcastAudience targets every open connection on every gateway.
func BroadcastAudience() Audience {
	return Audience{Type: AudienceBroadcast}
}

// Envelope is the unit of cross-process communication. The same shape wraps
// commands (gateway -> game process) and events (game process -> gateway).
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID *uuid.UUID      `json:"correlation_id"`
	Producer      string          `json:"producer"`
	Actor         Actor           `json:"actor"`
	Audience      Audience        `json:"audience"`
	Payload       json.RawMessage `json:"payload"`
}

// PartitionKey returns the bus-ordering key for the envelope. Envelopes that
// reference a room must be keyed by room id so that per-room ordering holds;
// roomless envelopes fall back to the actor, which is sufficient because they
// never race against in-room state.
func (e Envelope) PartitionKey() string {
	if e.Audience.RoomID != "" {
		return e.Audience.RoomID
	}
	if rid := roomIDFromPayload(e.Payload); rid != "" {
		return rid
	}
	return formatUserID(e.Actor.UserID)
}

// NewCommand builds a command envelope from an actor and payload. The payload
// must marshal cleanly; command constructors are only called with concrete
// payload structs so a marshal failure is a programming error.
func NewCommand(eventType string, producer string, actor Actor, payload interface{}) Envelope {
	return newEnvelope(eventType, producer, actor, Audience{}, payload, nil)
}

// NewEvent builds an event envelope addressed to the given audience.
func NewEvent(eventType string, producer string, actor Actor, aud Audience, payload interface{}) Envelope {
	return newEnvelope(eventType, producer, actor, aud, payload, nil)
}

// NewReply builds an event envelope correlated to the command that caused it,
// addressed to the originating actor only.
func NewReply(cmd Envelope, eventType string, producer string, payload interface{}) Envelope {
	return newEnvelope(eventType, producer, cmd.Actor, UserAudience(cmd.Actor.UserID), payload, &cmd.EventID)
}

// NewErrorEvent builds the typed terminal error event for a failed command.
// It is always addressed to the originating actor.
func NewErrorEvent(cmd Envelope, producer string, code ErrorCode, message string) Envelope {
	return NewReply(cmd, EventError, producer, ErrorPayload{Code: code, Message: message})
}

func newEnvelope(eventType, producer string, actor Actor, aud Audience, payload interface{}, corr *uuid.UUID) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	if payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: corr,
		Producer:      producer,
		Actor:         actor,
		Audience:      aud,
		Payload:       raw,
	}
}

// roomIDFromPayload extracts a room_id field from an otherwise opaque command
// payload, for partition keying before the room process has attached an
// audience.
func roomIDFromPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var probe struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.RoomID
}
