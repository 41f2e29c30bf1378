package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-reconciler/internal/config"
)

// RedisQueue coordinates ready and in-flight job queues in Redis. Deferred
// work lives in Postgres; the due sweep pushes it here when it becomes
// dispatchable.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	prioKey        string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		prioKey:        "queue:inflight:prio",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

// Enqueue pushes a job onto the ready queue for its priority.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string) error {
	if priority == "" {
		priority = "default"
	}
	return q.client.RPush(ctx, q.readyKey(priority), jobID).Err()
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout. The priority the job came from
// is remembered so a reclaimed lease re-enqueues at the same level.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+2)
	args := make([]interface{}, 0, len(q.priorityQueues)+1)
	args = append(args, time.Now().Add(q.visibilityTTL).UnixMilli())
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
		args = append(args, p)
	}
	keys = append(keys, q.inflightKey, q.prioKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, args...).Result()
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
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HDel(ctx, q.prioKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing each job onto
// the ready queue it was originally dispatched from. A crashed worker's job
// re-enters dispatch this way long before the stale reaper would notice.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
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

	prios, err := q.client.HMGet(ctx, q.prioKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	for i, id := range ids {
		priority := "default"
		if p, ok := prios[i].(string); ok && p != "" {
			priority = p
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HDel(ctx, q.prioKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
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

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS-1]
local prios = KEYS[#KEYS]
for i=1,#KEYS-2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    redis.call('HSET', prios, job, ARGV[i+1])
    return job
  end
end
return nil
`)
