// internal/gateway/ws.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/bus"
	"github.com/parlor-games/parlor/internal/middleware"
	"github.com/parlor-games/parlor/internal/protocol"
)

// ClientMessage is the frame clients send: a type string plus an opaque
// payload whose shape the type determines.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the frame the gateway sends to clients.
type ServerMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Client system message types that never cross the bus.
const (
	msgAuthenticate  = "system.authenticate"
	msgHeartbeat     = "system.heartbeat"
	msgWelcome       = "system.welcome"
	msgAuthenticated = "system.authenticated"
	msgError         = "system.error"
)

// Gateway terminates client connections, validates and publishes command
// envelopes, and fans consumed events out to the right connections. It
// holds no business state beyond the connection index.
type Gateway struct {
	logger   *logrus.Logger
	eventBus bus.Bus
	producer string

	index *Index

	connsMu sync.RWMutex
	conns   map[string]*Conn
}

// New builds a gateway publishing on eventBus.
func New(eventBus bus.Bus, logger *logrus.Logger, producer string) *Gateway {
	if producer == "" {
		producer = "gateway"
	}
	return &Gateway{
		logger:   logger,
		eventBus: eventBus,
		producer: producer,
		index:    NewIndex(),
		conns:    make(map[string]*Conn),
	}
}

// Index exposes the connection index, mainly for tests.
func (g *Gateway) Index() *Index {
	return g.index
}

// WSHandler upgrades HTTP connections and runs the per-connection read
// loop. One goroutine reads, one drains writes; neither touches the other's
// state directly.
func (g *Gateway) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"parlor"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			g.logger.Warnf("WebSocket accept error: %v", err)
			return
		}
		middleware.LogWebSocketConnect(g.logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		conn := newConn(uuid.NewString(), ws, cancel)

		g.connsMu.Lock()
		g.conns[conn.ID] = conn
		g.connsMu.Unlock()

		go conn.writePump(ctx)

		g.sendTo(conn, msgWelcome, map[string]string{"socket_id": conn.ID})

		readErr := g.readMessages(ctx, conn)
		g.teardown(ctx, conn)
		middleware.LogWebSocketDisconnect(g.logger, r.RemoteAddr, r.URL.Path, readErr)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// readMessages processes frames until the connection dies. All command
// validation happens here, at the boundary: malformed frames never reach
// the bus.
func (g *Gateway) readMessages(ctx context.Context, conn *Conn) error {
	for {
		msgType, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendError(conn, "bad_request", "invalid JSON frame")
			continue
		}
		conn.touch()

		switch msg.Type {
		case msgHeartbeat:
			// Touch above is the whole effect.
		case msgAuthenticate:
			g.handleAuthenticate(conn, msg.Payload)
		default:
			g.handleCommand(ctx, conn, msg)
		}
	}
}

func (g *Gateway) handleAuthenticate(conn *Conn, payload json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Token == "" {
		g.sendError(conn, "bad_request", "authenticate requires a token")
		return
	}
	identity, err := auth.AuthenticateJWT(req.Token)
	if err != nil {
		g.logger.Warnf("authentication failed on %s: %v", conn.ID, err)
		g.sendError(conn, "unauthorized", "invalid token")
		return
	}
	conn.setIdentity(identity)
	g.index.BindUser(conn.ID, identity.UserID)
	g.sendTo(conn, msgAuthenticated, map[string]interface{}{
		"user_id":  identity.UserID,
		"username": identity.Username,
	})
}

// handleCommand validates a games.command frame and publishes it as a
// command envelope. Business rules are not checked here; the room process
// owns those.
func (g *Gateway) handleCommand(ctx context.Context, conn *Conn, msg ClientMessage) {
	identity := conn.Identity()
	if identity == nil {
		g.sendError(conn, "unauthorized", "authenticate first")
		return
	}
	if !strings.HasPrefix(msg.Type, "games.command.") {
		g.sendError(conn, "bad_request", "unknown message type: "+msg.Type)
		return
	}

	actor := protocol.Actor{
		UserID:   identity.UserID,
		Username: identity.Username,
		SocketID: conn.ID,
		Roles:    identity.Roles,
	}
	env := protocol.NewCommand(msg.Type, g.producer, actor, json.RawMessage(msg.Payload))
	if len(msg.Payload) > 0 {
		env.Payload = msg.Payload
	}

	cmd, err := protocol.DecodeCommand(env)
	if err != nil {
		g.sendError(conn, "bad_request", "malformed payload for "+msg.Type)
		return
	}
	if cmd.Kind == protocol.CommandUnknown {
		g.sendError(conn, "bad_request", "unknown command: "+msg.Type)
		return
	}
	if reason := validateCommand(cmd); reason != "" {
		g.sendError(conn, "bad_request", reason)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.eventBus.Publish(pubCtx, bus.TopicCommands, env); err != nil {
		g.logger.Warnf("command publish failed for %s: %v", msg.Type, err)
		g.sendError(conn, "unavailable", "try again shortly")
	}
}

// validateCommand enforces required fields before anything crosses the bus.
// It returns an empty string when the command is acceptable.
func validateCommand(cmd protocol.Command) string {
	switch cmd.Kind {
	case protocol.CmdCreateRoom:
		if cmd.CreateRoom.GameType == "" || cmd.CreateRoom.RoomName == "" {
			return "create_room requires game_type and room_name"
		}
	case protocol.CmdJoinRoom:
		if cmd.JoinRoom.RoomName == "" && cmd.JoinRoom.RoomID == "" {
			return "join_room requires room_name or room_id"
		}
	case protocol.CmdJoinAsSpectator, protocol.CmdRejoinRoom, protocol.CmdLeaveRoom,
		protocol.CmdReady:
		if cmd.RoomRef.RoomID == "" {
			return "command requires room_id"
		}
	case protocol.CmdSelectPlayer, protocol.CmdKickPlayer, protocol.CmdBanPlayer,
		protocol.CmdMutePlayer, protocol.CmdUnmutePlayer:
		if cmd.TargetPlayer.RoomID == "" || cmd.TargetPlayer.TargetUserID == 0 {
			return "command requires room_id and target_user_id"
		}
	case protocol.CmdSendChat:
		if cmd.SendChat.RoomID == "" || cmd.SendChat.Channel == "" || cmd.SendChat.Content == "" {
			return "send_chat requires room_id, channel and content"
		}
	case protocol.CmdChatHistory:
		if cmd.ChatHistory.RoomID == "" || cmd.ChatHistory.Channel == "" {
			return "chat_history requires room_id and channel"
		}
	case protocol.CmdPresenceDisconnected:
		// Gateway-internal; clients may not send presence signals.
		return "unknown command: " + cmd.Kind
	default:
		// Game actions such as games.command.dice.roll decode with a room
		// reference regardless of the verb.
		if protocol.IsGameAction(cmd.Kind) && cmd.RoomRef.RoomID == "" {
			return "command requires room_id"
		}
	}
	return ""
}

// teardown runs after the read loop exits: drop the connection from the
// index and, if this was the user's last connection in their room, report
// the disconnect to the room process.
func (g *Gateway) teardown(ctx context.Context, conn *Conn) {
	g.connsMu.Lock()
	delete(g.conns, conn.ID)
	g.connsMu.Unlock()

	roomID, lastInRoom := g.index.Remove(conn.ID)
	identity := conn.Identity()
	if roomID == "" || !lastInRoom || identity == nil {
		return
	}

	actor := protocol.Actor{
		UserID:   identity.UserID,
		Username: identity.Username,
		SocketID: conn.ID,
		Roles:    identity.Roles,
	}
	env := protocol.NewCommand(protocol.CmdPresenceDisconnected, g.producer, actor,
		protocol.PresencePayload{SocketID: conn.ID, RoomID: roomID})

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.eventBus.Publish(pubCtx, bus.TopicCommands, env); err != nil {
		g.logger.Warnf("presence publish failed for user %d: %v", identity.UserID, err)
	}
}

func (g *Gateway) sendTo(conn *Conn, msgType string, payload interface{}) {
	frame, err := json.Marshal(ServerMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		g.logger.Errorf("failed to marshal %s frame: %v", msgType, err)
		return
	}
	if !conn.Send(frame) {
		g.logger.Warnf("outbound buffer full on %s, closing", conn.ID)
		conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

func (g *Gateway) sendError(conn *Conn, code, message string) {
	g.sendTo(conn, msgError, map[string]string{"code": code, "message": message})
}
