// internal/archive/queue.go
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor-games/parlor/internal/room"
)

// DefaultQueueName is the Redis list finished-room summaries are pushed to.
const DefaultQueueName = "parlor_room_summaries"

// Queue hands finished-room summaries to the persistence collaborator via a
// Redis list drained by the historian process. Pushing does not block the
// room worker beyond a quick network send.
type Queue struct {
	rdb       *redis.Client
	queueName string
}

// NewQueue connects the archive queue and verifies the connection.
func NewQueue(addr string, db int, queueName string) (*Queue, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Queue{rdb: rdb, queueName: queueName}, nil
}

// ArchiveRoom serializes the summary and pushes it onto the queue.
func (q *Queue) ArchiveRoom(ctx context.Context, s room.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal room summary: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queueName, err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
