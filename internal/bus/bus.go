// internal/bus/bus.go
package bus

import (
	"context"

	"github.com/parlor-games/parlor/internal/protocol"
)

// Topics connecting the gateway and the game process. Commands flow one way,
// events the other; neither process ever calls the other directly.
const (
	TopicCommands = "games.commands"
	TopicEvents   = "games.events"
)

// Handler consumes one envelope. Handlers for a given subscription are
// invoked sequentially in delivery order, so a handler must not block
// indefinitely.
type Handler func(ctx context.Context, env protocol.Envelope)

// Bus is the asynchronous boundary between the gateway and the game process.
//
// Required delivery semantics, a documented precondition of the whole
// system: at-least-once, and ordered for envelopes sharing a partition key
// (room id). Consumers deduplicate by envelope id where effects are not
// idempotent. All provided backends deliver a topic's envelopes to a single
// subscriber in publish order, which subsumes per-key ordering; per-room
// parallelism is recovered downstream by the room store's per-room workers.
type Bus interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
