package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/ratelimit"
	"provenance-pipeline/internal/telemetry"
)

// Priority bounds. Higher values are served first.
const (
	MinPriority = -1 << 21
	MaxPriority = 1 << 21
)

// Processor handles one claimed job. A returned error or a panic fails the job.
type Processor func(ctx context.Context, job models.Job) error

// Limiter admits or rejects new work per key.
type Limiter interface {
	Take(ctx context.Context, key string, n int) (ratelimit.Decision, error)
}

var _ Limiter = (*ratelimit.TokenBucket)(nil)

// Options tunes a Service. Zero values take defaults.
type Options struct {
	PollInterval  time.Duration
	ShutdownGrace time.Duration
	PromoteBatch  int
	Limiter       Limiter
	Logger        *slog.Logger
}

// Service is the priority job queue with bounded worker pools.
type Service struct {
	backend      Backend
	log          *slog.Logger
	limiter      Limiter
	pollInterval time.Duration
	grace        time.Duration
	promoteBatch int

	mu        sync.Mutex
	closed    bool
	pools     []*Pool
	closeOnce sync.Once
	closeErr  error
}

// NewService builds a Service over backend. The service owns the backend.
func NewService(backend Backend, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.PromoteBatch <= 0 {
		opts.PromoteBatch = 100
	}
	return &Service{
		backend:      backend,
		log:          logger.OrDefault(opts.Logger).With(slog.String("component", "queue")),
		limiter:      opts.Limiter,
		pollInterval: opts.PollInterval,
		grace:        opts.ShutdownGrace,
		promoteBatch: opts.PromoteBatch,
	}
}

type jobOptions struct {
	delay time.Duration
	orgID string
}

// JobOption customizes AddJob.
type JobOption func(*jobOptions)

// WithDelay holds the job in the delayed set until d has elapsed.
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

// WithOrg names the organization charged by admission control.
func WithOrg(orgID string) JobOption {
	return func(o *jobOptions) { o.orgID = orgID }
}

// AddJob persists a queued job and returns its id. data may be raw JSON
// bytes or any value encodable as JSON.
func (s *Service) AddJob(ctx context.Context, queueName string, data any, priority int, opts ...JobOption) (string, error) {
	const op = "queue.add_job"
	if s.isClosed() {
		return "", &models.Error{Kind: models.ErrClosed, Op: op}
	}
	if queueName == "" {
		return "", models.Validationf(op, "queue name is required")
	}
	if priority < MinPriority || priority > MaxPriority {
		return "", models.Validationf(op, "priority %d outside [%d, %d]", priority, MinPriority, MaxPriority)
	}
	payload, err := encodeData(data)
	if err != nil {
		return "", models.Validationf(op, "%v", err)
	}

	var o jobOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.delay < 0 {
		return "", models.Validationf(op, "negative delay %s", o.delay)
	}

	if s.limiter != nil && o.orgID != "" {
		key := queueName + ":" + o.orgID
		d, err := s.limiter.Take(ctx, key, 1)
		if err != nil {
			return "", models.Persistence(op, err)
		}
		if !d.Allowed {
			telemetry.JobsRejected.WithLabelValues(queueName).Inc()
			return "", &models.Error{Kind: models.ErrRateLimited, Op: op, Err: &models.RateLimitError{
				Key:        key,
				Remaining:  d.Remaining,
				RetryAfter: d.RetryAfter,
			}}
		}
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Data:      payload,
		Priority:  priority,
		Status:    models.StatusQueued,
		CreatedAt: now,
	}
	if o.delay > 0 {
		runAt := now.Add(o.delay)
		job.RunAt = &runAt
	}
	if err := s.backend.Enqueue(ctx, job); err != nil {
		return "", models.Persistence(op, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName).Inc()
	s.log.Debug("job enqueued",
		slog.String("queue", queueName),
		slog.String("job_id", job.ID),
		slog.Int("priority", priority),
	)
	return job.ID, nil
}

func encodeData(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return nil, errors.New("job data is required")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode job data: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("job data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// ProcessQueue starts concurrency workers claiming from queueName. The
// returned pool runs until Stop, ctx cancellation, or Close.
func (s *Service) ProcessQueue(ctx context.Context, queueName string, proc Processor, concurrency int) (*Pool, error) {
	const op = "queue.process_queue"
	if queueName == "" {
		return nil, models.Validationf(op, "queue name is required")
	}
	if proc == nil {
		return nil, models.Validationf(op, "processor is required")
	}
	if concurrency < 1 {
		return nil, models.Validationf(op, "concurrency must be at least 1, got %d", concurrency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &models.Error{Kind: models.ErrClosed, Op: op}
	}
	p := newPool(ctx, s, queueName, proc, concurrency)
	s.pools = append(s.pools, p)
	p.start()
	return p, nil
}

// GetQueueStats returns per-state counts for queueName.
func (s *Service) GetQueueStats(ctx context.Context, queueName string) (models.QueueStats, error) {
	const op = "queue.stats"
	if queueName == "" {
		return models.QueueStats{}, models.Validationf(op, "queue name is required")
	}
	stats, err := s.backend.Stats(ctx, queueName)
	if err != nil {
		return models.QueueStats{}, models.Persistence(op, err)
	}
	telemetry.ObserveStats(queueName, stats)
	return stats, nil
}

// GetJob reads a single job record.
func (s *Service) GetJob(ctx context.Context, queueName, id string) (models.Job, error) {
	job, err := s.backend.Get(ctx, queueName, id)
	if err != nil {
		return models.Job{}, models.Persistence("queue.get_job", err)
	}
	return job, nil
}

// HealthCheck verifies the backend is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return models.Persistence("queue.health_check", err)
	}
	return nil
}

// Close stops every pool and releases the backend. Later calls return the
// first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pools := s.pools
		s.pools = nil
		s.mu.Unlock()

		var errs []error
		for _, p := range pools {
			if err := p.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.backend.Close(); err != nil {
			errs = append(errs, models.Persistence("queue.close", err))
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("queue service closed", slog.Int("pools", len(pools)))
	})
	return s.closeErr
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
