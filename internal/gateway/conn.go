// internal/gateway/conn.go
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlor-games/parlor/internal/auth"
)

// outBufferSize bounds each connection's outbound queue. A client that
// cannot drain this many frames is closed rather than allowed to stall
// delivery to everyone else.
const outBufferSize = 64

// Conn is one open client connection. Reads happen on the handler's
// goroutine; writes funnel through the out channel drained by writePump.
type Conn struct {
	ID string
	ws *websocket.Conn

	out    chan []byte
	cancel context.CancelFunc

	mu       sync.Mutex
	identity *auth.Identity
	lastSeen time.Time

	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, cancel context.CancelFunc) *Conn {
	return &Conn{
		ID:       id,
		ws:       ws,
		out:      make(chan []byte, outBufferSize),
		cancel:   cancel,
		lastSeen: time.Now(),
	}
}

// Identity returns the authenticated identity, or nil before
// system.authenticate succeeds.
func (c *Conn) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) setIdentity(id auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// Send queues a frame without blocking. It reports false when the buffer is
// full, in which case the caller closes the connection: backpressure is
// resolved by disconnecting the slow client.
func (c *Conn) Send(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down exactly once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.ws.Close(code, reason)
		c.cancel()
	})
}

// writePump drains the out channel onto the websocket with a per-write
// timeout. It exits when ctx ends or a write fails; the read loop notices
// the closure and performs cleanup.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}
