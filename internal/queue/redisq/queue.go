// Package redisq provides a Redis-backed job queue so multiple harvester
// processes can share one submission stream. Submission is idempotent by
// task id via SET NX.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JuctTr/investment-research/internal/harvest"
)

// Key layout under the configured prefix.
const (
	keyReady   = "ready"   // sorted set: member = job JSON, score = priority+sequence
	keyDelayed = "delayed" // sorted set: member = job JSON, score = ready-at unix
	keyPaused  = "paused"  // string flag
	keySeen    = "seen:"   // string per task id, the idempotency guard
	keyActive  = "active"
	keyDone    = "completed"
	keyFailed  = "failed"
)

// seenTTL bounds how long a task id blocks resubmission if a process dies
// before reporting Done.
const seenTTL = 24 * time.Hour

// Config wires the queue to a Redis instance.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all queue keys, e.g. "harvester:queue:".
	Prefix string
}

// Queue implements harvest.Queue and harvest.Consumer on Redis.
type Queue struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "harvester:queue:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis queue", zap.String("addr", cfg.Addr), zap.String("prefix", cfg.Prefix))
	return &Queue{client: client, prefix: cfg.Prefix, logger: logger}, nil
}

// NewWithClient constructs a queue over an existing client, primarily for
// testing against miniredis-style servers.
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "harvester:queue:"
	}
	return &Queue{client: client, prefix: prefix, logger: logger}
}

func (q *Queue) key(suffix string) string { return q.prefix + suffix }

// Submit enqueues a job keyed by its task id. Duplicates are coalesced.
func (q *Queue) Submit(ctx context.Context, job harvest.Job) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.key(keySeen)+job.TaskID, 1, seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve task id: %w", err)
	}
	if !ok {
		q.logger.Debug("duplicate job submission coalesced", zap.String("task_id", job.TaskID))
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	now := time.Now()
	if job.Delay > 0 {
		err = q.client.ZAdd(ctx, q.key(keyDelayed), redis.Z{
			Score:  float64(now.Add(job.Delay).UnixMilli()),
			Member: payload,
		}).Err()
	} else {
		err = q.client.ZAdd(ctx, q.key(keyReady), redis.Z{
			Score:  readyScore(job.Priority, now),
			Member: payload,
		}).Err()
	}
	if err != nil {
		// Roll back the idempotency guard so a retry can succeed.
		q.client.Del(context.WithoutCancel(ctx), q.key(keySeen)+job.TaskID)
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return true, nil
}

// readyScore orders the ready set by priority (higher first) and then
// submission time. ZPopMin pops the lowest score.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority)*1e15 + float64(at.UnixMilli())
}

// Dequeue pops the next ready job, promoting due delayed jobs first. It
// polls so a paused flag set by another process takes effect quickly.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return harvest.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}

		if err := q.promoteDue(ctx); err != nil {
			return harvest.Job{}, err
		}

		paused, err := q.client.Exists(ctx, q.key(keyPaused)).Result()
		if err != nil {
			return harvest.Job{}, fmt.Errorf("check paused flag: %w", err)
		}
		if paused == 0 {
			members, err := q.client.ZPopMin(ctx, q.key(keyReady), 1).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return harvest.Job{}, fmt.Errorf("pop ready job: %w", err)
			}
			if len(members) > 0 {
				var job harvest.Job
				raw, _ := members[0].Member.(string)
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					return harvest.Job{}, fmt.Errorf("unmarshal job: %w", err)
				}
				if err := q.client.Incr(ctx, q.key(keyActive)).Err(); err != nil {
					q.logger.Warn("failed to bump active counter", zap.Error(err))
				}
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return harvest.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// promoteDue moves delayed jobs whose ready time has passed into the ready
// set.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now()
	due, err := q.client.ZRangeByScore(ctx, q.key(keyDelayed), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("fetch due delayed jobs: %w", err)
	}
	for _, raw := range due {
		var job harvest.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("dropping malformed delayed job", zap.Error(err))
			q.client.ZRem(ctx, q.key(keyDelayed), raw)
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key(keyDelayed), raw)
		pipe.ZAdd(ctx, q.key(keyReady), redis.Z{
			Score:  readyScore(job.Priority, now),
			Member: raw,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}
	return nil
}

// Done reports the outcome of a dequeued job and releases its task id.
func (q *Queue) Done(ctx context.Context, job harvest.Job, failed bool) {
	counter := keyDone
	if failed {
		counter = keyFailed
	}
	pipe := q.client.TxPipeline()
	pipe.Decr(ctx, q.key(keyActive))
	pipe.Incr(ctx, q.key(counter))
	pipe.Del(ctx, q.key(keySeen)+job.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("failed to record job outcome",
			zap.String("task_id", job.TaskID), zap.Error(err))
	}
}

// Stats reports queue counters.
func (q *Queue) Stats(ctx context.Context) (harvest.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key(keyReady))
	delayed := pipe.ZCard(ctx, q.key(keyDelayed))
	active := pipe.Get(ctx, q.key(keyActive))
	completed := pipe.Get(ctx, q.key(keyDone))
	failed := pipe.Get(ctx, q.key(keyFailed))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return harvest.QueueStats{}, fmt.Errorf("read queue stats: %w", err)
	}

	return harvest.QueueStats{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    counterVal(active),
		Completed: counterVal(completed),
		Failed:    counterVal(failed),
	}, nil
}

func counterVal(cmd *redis.StringCmd) int {
	n, err := cmd.Int()
	if err != nil {
		return 0
	}
	return n
}

// Pause sets the shared paused flag; every consumer process honors it.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.key(keyPaused), 1, 0).Err(); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	q.logger.Info("queue paused")
	return nil
}

// Resume clears the paused flag.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key(keyPaused)).Err(); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	q.logger.Info("queue resumed")
	return nil
}

// Drain discards waiting and delayed jobs, releases their task ids and
// returns the dropped jobs so the caller can compensate.
func (q *Queue) Drain(ctx context.Context) ([]harvest.Job, error) {
	var dropped []harvest.Job
	for _, key := range []string{keyReady, keyDelayed} {
		raws, err := q.client.ZRange(ctx, q.key(key), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", key, err)
		}
		for _, raw := range raws {
			var job harvest.Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				q.logger.Warn("dropping malformed drained job", zap.Error(err))
				continue
			}
			q.client.Del(ctx, q.key(keySeen)+job.TaskID)
			dropped = append(dropped, job)
		}
		if err := q.client.Del(ctx, q.key(key)).Err(); err != nil {
			return nil, fmt.Errorf("drop %s set: %w", key, err)
		}
	}
	q.logger.Info("queue drained", zap.Int("dropped", len(dropped)))
	return dropped, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
