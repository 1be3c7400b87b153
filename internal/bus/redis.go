// internal/bus/redis.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/protocol"
)

// RedisBus carries envelopes over Redis Streams. Each topic maps to one
// stream; XADD preserves publish order, and a subscriber tails the stream
// with blocking XREAD, which yields ordered at-least-once delivery.
type RedisBus struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
}

// NewRedisBus connects a Redis-backed bus. The connection is verified with a
// short ping before returning.
func NewRedisBus(addr string, db int, logger *logrus.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisBus{client: client, logger: logger, prefix: "parlor:bus:"}, nil
}

func (b *RedisBus) stream(topic string) string {
	return b.prefix + topic
}

// Publish appends the envelope to the topic's stream. Failures are retried
// once before surfacing; a publish failure never mutates caller state.
func (b *RedisBus) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope %s: %w", env.EventID, err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]interface{}{
			"envelope": data,
			"key":      env.PartitionKey(),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		b.logger.WithFields(logrus.Fields{
			"topic": topic,
			"event": env.EventType,
		}).Warnf("XADD failed, retrying once: %v", err)
		if err := b.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("failed to XADD to stream %s: %w", b.stream(topic), err)
		}
	}
	return nil
}

// Subscribe tails the topic stream from its current tip. Envelopes that fail
// to decode are logged and skipped; they are never redelivered as a crash
// loop.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	stream := b.stream(topic)
	go func() {
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   64,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				b.logger.Warnf("XREAD on %s failed: %v", stream, err)
				time.Sleep(time.Second)
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["envelope"].(string)
					if !ok {
						b.logger.Warnf("stream %s entry %s has no envelope field", stream, msg.ID)
						continue
					}
					var env protocol.Envelope
					if err := json.Unmarshal([]byte(raw), &env); err != nil {
						b.logger.Warnf("stream %s entry %s undecodable: %v", stream, msg.ID, err)
						continue
					}
					h(ctx, env)
				}
			}
		}
	}()
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
