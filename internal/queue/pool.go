package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/telemetry"
)

// finishTimeout bounds the status write after a job returns. It runs on a
// fresh context so abandoned jobs are still recorded as failed.
const finishTimeout = 5 * time.Second

// Pool is a set of workers bound to one queue.
type Pool struct {
	svc         *Service
	queue       string
	proc        Processor
	concurrency int
	log         *slog.Logger

	loopCtx    context.Context
	stopLoop   context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func newPool(ctx context.Context, svc *Service, queue string, proc Processor, concurrency int) *Pool {
	loopCtx, stopLoop := context.WithCancel(ctx)
	// Job contexts outlive ctx cancellation; only Stop abandons running jobs.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	return &Pool{
		svc:         svc,
		queue:       queue,
		proc:        proc,
		concurrency: concurrency,
		log:         svc.log.With(slog.String("queue", queue)),
		loopCtx:     loopCtx,
		stopLoop:    stopLoop,
		jobCtx:      jobCtx,
		cancelJobs:  cancelJobs,
		done:        make(chan struct{}),
	}
}

func (p *Pool) start() {
	p.wg.Add(p.concurrency + 1)
	go p.promote()
	for i := 0; i < p.concurrency; i++ {
		go p.work(i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	p.log.Info("worker pool started", slog.Int("concurrency", p.concurrency))
}

// Queue returns the queue name the pool consumes.
func (p *Pool) Queue() string { return p.queue }

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Stop halts claiming and waits for in-flight jobs. Jobs still running after
// the grace period (or when ctx ends) have their contexts canceled, and Stop
// waits one more grace period for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopLoop()
		grace := time.NewTimer(p.svc.grace)
		defer grace.Stop()

		select {
		case <-p.done:
			p.cancelJobs()
			return
		case <-grace.C:
		case <-ctx.Done():
		}

		p.log.Warn("abandoning in-flight jobs after grace period")
		p.cancelJobs()
		select {
		case <-p.done:
		case <-time.After(p.svc.grace):
			p.stopErr = fmt.Errorf("queue %s: workers did not exit after cancellation", p.queue)
		}
	})
	return p.stopErr
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	log := p.log.With(slog.Int("worker", id))
	for {
		select {
		case <-p.loopCtx.Done():
			return
		default:
		}

		// Claims use jobCtx so a stop request never interrupts a script mid-flight.
		job, ok, err := p.svc.backend.Claim(p.jobCtx, p.queue, time.Now())
		if err != nil {
			log.Error("claim failed", slog.Any("err", err))
			p.sleep()
			continue
		}
		if !ok {
			p.sleep()
			continue
		}

		telemetry.JobsActive.WithLabelValues(p.queue).Inc()
		runErr := p.run(job)
		telemetry.JobsActive.WithLabelValues(p.queue).Dec()

		finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		now := time.Now()
		if runErr == nil {
			err = p.svc.backend.Complete(finishCtx, p.queue, job.ID, now)
		} else {
			err = p.svc.backend.Fail(finishCtx, p.queue, job.ID, runErr.Error(), now)
		}
		cancel()
		switch {
		case err != nil:
			log.Error("record job result", slog.String("job_id", job.ID), slog.Any("err", err), slog.Any("job_err", runErr))
		case runErr == nil:
			telemetry.JobsCompleted.WithLabelValues(p.queue).Inc()
			log.Debug("job completed", slog.String("job_id", job.ID))
		default:
			telemetry.JobsFailed.WithLabelValues(p.queue).Inc()
			log.Warn("job failed", slog.String("job_id", job.ID), slog.Any("err", runErr))
		}
	}
}

func (p *Pool) run(job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor panic",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.proc(p.jobCtx, job)
}

func (p *Pool) promote() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.svc.pollInterval)
	defer ticker.Stop()
	for {
		n, err := p.svc.backend.PromoteDelayed(p.jobCtx, p.queue, time.Now(), p.svc.promoteBatch)
		if err != nil {
			p.log.Error("promote delayed jobs", slog.Any("err", err))
		} else if n > 0 {
			p.log.Debug("promoted delayed jobs", slog.Int("count", n))
		}
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) sleep() {
	t := time.NewTimer(p.svc.pollInterval)
	defer t.Stop()
	select {
	case <-p.loopCtx.Done():
	case <-t.C:
	}
}
