package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-orchestrator/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled job structures in
// Redis. Every job type is an independent queue with its own priority lists,
// scheduled set, and in-flight set, so concurrency control never crosses
// queue boundaries.
type RedisQueue struct {
	client        *redis.Client
	priorities    []string
	visibilityTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.PriorityQueues, cfg.VisibilityTimeout)
}

// NewWithClient wires an existing redis client, used by tests.
func NewWithClient(client *redis.Client, priorities []string, visibility time.Duration) *RedisQueue {
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		priorities:    priorities,
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying redis client for collaborators that share
// the connection (progress pub/sub, rate limiter).
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) readyKey(jobType, priority string) string {
	return fmt.Sprintf("queue:%s:ready:%s", jobType, priority)
}

func (q *RedisQueue) scheduledKey(jobType string) string {
	return fmt.Sprintf("queue:%s:scheduled", jobType)
}

func (q *RedisQueue) inflightKey(jobType string) string {
	return fmt.Sprintf("queue:%s:inflight", jobType)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return "queue:jobmeta:" + jobID
}

func (q *RedisQueue) normalize(priority string) string {
	for _, p := range q.priorities {
		if p == priority {
			return priority
		}
	}
	return "default"
}

// Enqueue inserts a job into either the scheduled set (delayed) or the ready
// list for its priority. It never blocks on downstream processing.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, jobType, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "type", jobType, "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey(jobType), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(jobType, priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Schedule moves a job into the scheduled set for deferred execution,
// used for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, jobType, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "type", jobType, "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey(jobType), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", jobID, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready lists. It returns the
// promoted job IDs so the store can flip them from delayed to waiting.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, jobType string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(jobType), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.priorityOf(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey(jobType), id)
		pipe.RPush(ctx, q.readyKey(jobType, priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DequeueWithLease pops the next job for the type (priority order, FIFO
// within a priority) and places it into the in-flight set with a visibility
// deadline. The Lua script makes claim-and-lease a single atomic step, so no
// two workers can hold the same job.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, jobType string) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(jobType, p))
	}
	keys = append(keys, q.inflightKey(jobType))

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, jobType string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(jobType), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID, jobType string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(jobType), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, jobType string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(jobType), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.priorityOf(ctx, id)
		pipe.ZRem(ctx, q.inflightKey(jobType), id)
		pipe.RPush(ctx, q.readyKey(jobType, priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a job from ready, scheduled, and in-flight structures.
// A removed waiting job is never returned by a later dequeue.
func (q *RedisQueue) Remove(ctx context.Context, jobID, jobType string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(jobType, p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey(jobType), jobID)
	pipe.ZRem(ctx, q.scheduledKey(jobType), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// InFlight reports whether the job currently holds a lease.
func (q *RedisQueue) InFlight(ctx context.Context, jobID, jobType string) (bool, error) {
	_, err := q.client.ZScore(ctx, q.inflightKey(jobType), jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadyDepth returns the total ready-list length across priorities.
func (q *RedisQueue) ReadyDepth(ctx context.Context, jobType string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(jobType, p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return q.normalize(priority)
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
