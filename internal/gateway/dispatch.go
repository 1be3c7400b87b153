// internal/gateway/dispatch.go
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/protocol"
)

// Run subscribes to the event topic and starts fanning events out. It
// returns once the subscription is live.
func (g *Gateway) Run(ctx context.Context) error {
	return g.eventBus.Subscribe(ctx, bus.TopicEvents, func(_ context.Context, env protocol.Envelope) {
		g.dispatchEvent(env)
	})
}

// dispatchEvent updates the routing index from membership events, derives
// the client-facing message, and delivers it to every connection the
// audience resolves to.
func (g *Gateway) dispatchEvent(env protocol.Envelope) {
	g.applyIndexUpdates(env)

	clientType := clientEventType(env)
	frame, err := json.Marshal(ServerMessage{
		Type:      clientType,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	})
	if err != nil {
		g.logger.Errorf("failed to marshal event %s: %v", env.EventType, err)
		return
	}

	sockets := g.index.Resolve(env.Audience)
	if len(sockets) == 0 {
		return
	}

	g.connsMu.RLock()
	targets := make([]*Conn, 0, len(sockets))
	for _, socketID := range sockets {
		if conn, ok := g.conns[socketID]; ok {
			targets = append(targets, conn)
		}
	}
	g.connsMu.RUnlock()

	for _, conn := range targets {
		if !conn.Send(frame) {
			// A slow client must not stall delivery to others.
			g.logger.Warnf("outbound buffer full on %s, closing", conn.ID)
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// clientEventType maps a bus event to the type string clients see. Error
// events become system.error frames; everything else passes through.
func clientEventType(env protocol.Envelope) string {
	if env.EventType == protocol.EventError {
		return msgError
	}
	return env.EventType
}

// applyIndexUpdates keeps the connection-to-room index in sync with the
// authoritative membership events coming from the room process.
func (g *Gateway) applyIndexUpdates(env protocol.Envelope) {
	switch env.EventType {
	case protocol.EventRoomCreated:
		// The creating host's connection joins the room's player side.
		var ref protocol.RoomRefPayload
		if err := json.Unmarshal(env.Payload, &ref); err == nil && env.Actor.SocketID != "" {
			g.index.AttachRoom(env.Actor.SocketID, ref.RoomID, false)
		}

	case protocol.EventLobbyJoined, protocol.EventSpectatorJoined, protocol.EventPlayerRejoined:
		var p protocol.PresenceEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		// Only the joining user's own connection attaches; other occupants
		// just receive the notification.
		if env.Actor.UserID == p.UserID && env.Actor.SocketID != "" {
			g.index.AttachRoom(env.Actor.SocketID, p.RoomID, p.Role == protocol.RoleSpectator)
		}

	case protocol.EventPlayerSelected:
		// Promotion moves every one of the target's connections to the
		// player side; the actor here is the selecting host, not the target.
		var p protocol.PresenceEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		g.index.PromoteUser(p.UserID, p.RoomID)

	case protocol.EventPlayerLeft, protocol.EventPlayerKicked, protocol.EventPlayerBanned:
		var p protocol.PresenceEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		g.index.DetachUserFromRoom(p.UserID, p.RoomID)

	case protocol.EventRoomAbandoned:
		var ref protocol.RoomRefPayload
		if err := json.Unmarshal(env.Payload, &ref); err == nil {
			g.index.DropRoom(ref.RoomID)
		}
	}
}

// CloseIdle closes connections that have sent nothing (not even a
// heartbeat) within maxIdle. Run it on a ticker from main.
func (g *Gateway) CloseIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	g.connsMu.RLock()
	var stale []*Conn
	for _, conn := range g.conns {
		conn.mu.Lock()
		idle := conn.lastSeen.Before(cutoff)
		conn.mu.Unlock()
		if idle {
			stale = append(stale, conn)
		}
	}
	g.connsMu.RUnlock()
	for _, conn := range stale {
		g.logger.Infof("closing idle connection %s", conn.ID)
		conn.Close(websocket.StatusGoingAway, "idle timeout")
	}
}
