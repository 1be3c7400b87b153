// internal/bus/memory.go
package bus

import (
	"context"
	"sync"

	"github.com/parlor-games/parlor/internal/protocol"
)

// MemoryBus is an in-process Bus used by tests and single-binary
// deployments. Each subscriber gets a dedicated goroutine draining a
// buffered channel, so delivery order per topic matches publish order.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan protocol.Envelope
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan protocol.Envelope)}
}

// Publish delivers the envelope to every subscriber of the topic. A full
// subscriber buffer blocks the publisher rather than dropping; the buffer is
// sized to make that rare.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	b.mu.Lock()
	subs := append([]chan protocol.Envelope(nil), b.subs[topic]...)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	for _, ch := range subs {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on its own
// goroutine, one envelope at a time, until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch := make(chan protocol.Envelope, 256)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

// Close stops accepting publishes. Subscriber goroutines exit with their
// contexts.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
