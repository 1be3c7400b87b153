// internal/archive/historian.go
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/room"
)

// Historian drains room summaries from the archive queue and persists them
// to Postgres in batches. It runs as its own process; the core never talks
// to Postgres directly.
type Historian struct {
	rdb        *redis.Client
	pool       *pgxpool.Pool
	queueName  string
	batchSize  int
	flushDelay time.Duration
	logger     *logrus.Logger

	batch []room.Summary
}

// NewHistorian wires a historian against Redis and Postgres.
func NewHistorian(redisAddr, queueName, postgresDSN string, batchSize int, flushDelay time.Duration, logger *logrus.Logger) (*Historian, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", redisAddr, err)
	}

	pool, err := pgxpool.New(context.Background(), postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}

	return &Historian{
		rdb:        rdb,
		pool:       pool,
		queueName:  queueName,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		logger:     logger,
		batch:      make([]room.Summary, 0, batchSize),
	}, nil
}

// Run reads the queue until ctx ends, flushing accumulated summaries when
// the batch fills or the flush delay passes.
func (h *Historian) Run(ctx context.Context) error {
	timer := time.NewTicker(h.flushDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.flush(context.Background())
			return ctx.Err()
		case <-timer.C:
			h.flush(ctx)
		default:
			res, err := h.rdb.BLPop(ctx, time.Second, h.queueName).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				h.logger.Warnf("BLPOP failed: %v", err)
				time.Sleep(time.Second)
				continue
			}
			// res[0] is the queue name, res[1] the element.
			var summary room.Summary
			if err := json.Unmarshal([]byte(res[1]), &summary); err != nil {
				h.logger.Warnf("undecodable summary dropped: %v", err)
				continue
			}
			h.batch = append(h.batch, summary)
			if len(h.batch) >= h.batchSize {
				h.flush(ctx)
			}
		}
	}
}

// flush writes the current batch to Postgres. Failed batches are logged and
// requeued at the front so nothing is lost to a transient outage.
func (h *Historian) flush(ctx context.Context) {
	if len(h.batch) == 0 {
		return
	}
	batch := h.batch
	h.batch = make([]room.Summary, 0, h.batchSize)

	if err := h.insertBatch(ctx, batch); err != nil {
		h.logger.Warnf("failed to persist %d summaries, requeueing: %v", len(batch), err)
		for i := len(batch) - 1; i >= 0; i-- {
			data, merr := json.Marshal(batch[i])
			if merr != nil {
				continue
			}
			if perr := h.rdb.LPush(ctx, h.queueName, data).Err(); perr != nil {
				h.logger.Errorf("requeue failed, summary for room %s lost: %v", batch[i].RoomID, perr)
			}
		}
		return
	}
	h.logger.Debugf("persisted %d room summaries", len(batch))
}

func (h *Historian) insertBatch(ctx context.Context, summaries []room.Summary) error {
	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `
		INSERT INTO room_history
			(room_id, room_name, game_type, status, winner_id, scores, wins, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (room_id) DO NOTHING
	`
	for _, s := range summaries {
		scores, err := json.Marshal(s.Scores)
		if err != nil {
			return err
		}
		wins, err := json.Marshal(s.Wins)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q,
			s.RoomID, s.RoomName, s.GameType, s.Status, s.WinnerID,
			scores, wins, s.CreatedAt, s.StartedAt, s.FinishedAt); err != nil {
			return fmt.Errorf("insert room %s: %w", s.RoomID, err)
		}
	}
	return tx.Commit(ctx)
}

// Close releases both backends.
func (h *Historian) Close() {
	h.pool.Close()
	_ = h.rdb.Close()
}
