package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"provenance-pipeline/internal/config"
	"provenance-pipeline/internal/models"
)

// NewRedisClient builds the go-redis client shared by the queue and the limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue keeps per-queue ready lists (one per priority), an index of
// non-empty priorities, and active/completed/failed/delayed sets in Redis.
// Every status transition runs inside a Lua script.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue wraps client. The queue takes ownership and closes it in Close.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, prefix: "pipeline:queue:"}
}

type queueKeys struct {
	priorities  string
	readyPrefix string
	jobPrefix   string
	active      string
	completed   string
	failed      string
	delayed     string
}

func (q *RedisQueue) keys(queue string) queueKeys {
	base := q.prefix + queue + ":"
	return queueKeys{
		priorities:  base + "priorities",
		readyPrefix: base + "ready:",
		jobPrefix:   base + "job:",
		active:      base + "active",
		completed:   base + "completed",
		failed:      base + "failed",
		delayed:     base + "delayed",
	}
}

// Enqueue stores the job hash and makes it ready, or parks it in the delayed
// set when RunAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	k := q.keys(job.Queue)
	var runAt int64
	if job.RunAt != nil && job.RunAt.After(job.CreatedAt) {
		runAt = job.RunAt.UnixMilli()
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{k.jobPrefix + job.ID, k.priorities, k.delayed},
		job.ID, job.Queue, string(job.Data), job.Priority, job.CreatedAt.UnixMilli(), runAt, k.readyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if res == 0 {
		return &models.Error{Kind: models.ErrConflict, Op: "queue.enqueue", Err: fmt.Errorf("job %s already exists", job.ID)}
	}
	return nil
}

// Claim pops the oldest job of the highest non-empty priority, marks it
// processing and returns the claimed record in the same script. ok is false
// when nothing is ready. A record that cannot be decoded is failed on the
// spot rather than left active.
func (q *RedisQueue) Claim(ctx context.Context, queue string, now time.Time) (models.Job, bool, error) {
	k := q.keys(queue)
	flat, err := claimScript.Run(ctx, q.client,
		[]string{k.priorities, k.active},
		k.readyPrefix, k.jobPrefix, now.UnixMilli(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim %s: %w", queue, err)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	job, err := decodeJob(fields)
	if err != nil {
		id := fields["id"]
		if failErr := q.Fail(ctx, queue, id, err.Error(), now); failErr != nil {
			err = errors.Join(err, failErr)
		}
		return models.Job{}, false, fmt.Errorf("claim %s: %w", queue, err)
	}
	return job, true, nil
}

// Complete moves a processing job to completed.
func (q *RedisQueue) Complete(ctx context.Context, queue, id string, at time.Time) error {
	k := q.keys(queue)
	return q.finish(ctx, id, k.jobPrefix+id, k.active, k.completed, models.StatusCompleted, "", at)
}

// Fail moves a processing job to failed and records msg.
func (q *RedisQueue) Fail(ctx context.Context, queue, id, msg string, at time.Time) error {
	k := q.keys(queue)
	return q.finish(ctx, id, k.jobPrefix+id, k.active, k.failed, models.StatusFailed, msg, at)
}

func (q *RedisQueue) finish(ctx context.Context, id, jobKey, active, target string, status models.JobStatus, msg string, at time.Time) error {
	moved, err := finishScript.Run(ctx, q.client,
		[]string{jobKey, active, target},
		id, string(status), msg, at.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	if moved == 0 {
		return &models.Error{Kind: models.ErrConflict, Op: "queue.finish", Err: fmt.Errorf("job %s is not processing", id)}
	}
	return nil
}

// PromoteDelayed moves up to limit due delayed jobs into their ready lists.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := q.keys(queue)
	n, err := promoteScript.Run(ctx, q.client,
		[]string{k.delayed, k.priorities},
		now.UnixMilli(), limit, k.readyPrefix, k.jobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", queue, err)
	}
	return n, nil
}

// Stats counts jobs per state.
func (q *RedisQueue) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	k := q.keys(queue)
	vals, err := statsScript.Run(ctx, q.client,
		[]string{k.priorities, k.active, k.completed, k.failed, k.delayed},
		k.readyPrefix,
	).Int64Slice()
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("stats %s: %w", queue, err)
	}
	if len(vals) != 5 {
		return models.QueueStats{}, fmt.Errorf("stats %s: unexpected reply length %d", queue, len(vals))
	}
	return models.QueueStats{
		Waiting:   vals[0],
		Active:    vals[1],
		Completed: vals[2],
		Failed:    vals[3],
		Delayed:   vals[4],
	}, nil
}

// Get reads a job record.
func (q *RedisQueue) Get(ctx context.Context, queue, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keys(queue).jobPrefix+id).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, models.NotFound("queue.get", "job "+id)
	}
	return decodeJob(fields)
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client connections.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func decodeJob(f map[string]string) (models.Job, error) {
	priority, err := strconv.Atoi(f["priority"])
	if err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: priority: %w", f["id"], err)
	}
	job := models.Job{
		ID:       f["id"],
		Queue:    f["queue"],
		Data:     json.RawMessage(f["data"]),
		Priority: priority,
		Status:   models.JobStatus(f["status"]),
		Error:    f["error"],
	}
	if ts := millis(f["created_at"]); ts != nil {
		job.CreatedAt = *ts
	}
	job.RunAt = millis(f["run_at"])
	job.StartedAt = millis(f["started_at"])
	job.FinishedAt = millis(f["finished_at"])
	return job, nil
}

func millis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// KEYS: job hash, priority index, delayed set.
// ARGV: id, queue, data, priority, created_ms, run_at_ms (0 = ready now), ready prefix.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'queue', ARGV[2], 'data', ARGV[3],
  'priority', ARGV[4], 'status', 'queued', 'created_at', ARGV[5], 'run_at', ARGV[6])
if tonumber(ARGV[6]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  redis.call('RPUSH', ARGV[7] .. ARGV[4], ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[4])
end
return 1
`)

// KEYS: priority index, active set. ARGV: ready prefix, job prefix, now_ms.
// Returns the claimed job hash as a flat field/value list.
var claimScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0)
while top[1] do
  local ready = ARGV[1] .. top[1]
  local id = redis.call('LPOP', ready)
  if redis.call('LLEN', ready) == 0 then
    redis.call('ZREM', KEYS[1], top[1])
  end
  if id then
    redis.call('HSET', ARGV[2] .. id, 'status', 'processing', 'started_at', ARGV[3])
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    return redis.call('HGETALL', ARGV[2] .. id)
  end
  top = redis.call('ZREVRANGE', KEYS[1], 0, 0)
end
return false
`)

// KEYS: job hash, active set, target set. ARGV: id, status, error, now_ms.
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'error', ARGV[3], 'finished_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// KEYS: delayed set, priority index. ARGV: now_ms, limit, ready prefix, job prefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local p = redis.call('HGET', ARGV[4] .. id, 'priority')
  if p then
    redis.call('RPUSH', ARGV[3] .. p, id)
    redis.call('ZADD', KEYS[2], p, p)
  end
end
return #ids
`)

// KEYS: priority index, active, completed, failed, delayed. ARGV: ready prefix.
var statsScript = redis.NewScript(`
local waiting = 0
for _, p in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  waiting = waiting + redis.call('LLEN', ARGV[1] .. p)
end
return {waiting, redis.call('ZCARD', KEYS[2]), redis.call('SCARD', KEYS[3]),
  redis.call('SCARD', KEYS[4]), redis.call('ZCARD', KEYS[5])}
`)
