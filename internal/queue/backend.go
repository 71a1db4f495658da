package queue

import (
	"context"
	"time"

	"provenance-pipeline/internal/models"
)

// Backend is the durable job store behind Service. Claim and the
// Complete/Fail transitions must be atomic so at most one worker ever holds
// a job.
type Backend interface {
	Enqueue(ctx context.Context, job models.Job) error
	Claim(ctx context.Context, queue string, now time.Time) (models.Job, bool, error)
	Complete(ctx context.Context, queue, id string, at time.Time) error
	Fail(ctx context.Context, queue, id, msg string, at time.Time) error
	PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int) (int, error)
	Stats(ctx context.Context, queue string) (models.QueueStats, error)
	Get(ctx context.Context, queue, id string) (models.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Backend = (*RedisQueue)(nil)
