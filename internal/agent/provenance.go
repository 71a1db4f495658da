package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/repository"
)

// ProvenanceName is the registry name of the provenance-tracking agent.
const ProvenanceName = "provenance-tracking"

// ProvenanceConfig wires a ProvenanceAgent.
type ProvenanceConfig struct {
	Queue       Queue
	QueueName   string
	Concurrency int
	Priority    int
	Bus         *events.Bus
	Actions     *repository.ActionRepository
	Logger      *slog.Logger
}

// ProvenanceAgent turns mutation.reported events into queued jobs and
// records each one as an Action.
type ProvenanceAgent struct {
	cfg ProvenanceConfig
	log *slog.Logger

	mu          sync.Mutex
	pool        *queue.Pool
	unsubscribe func()
}

// NewProvenanceAgent constructs the agent. Concurrency below 1 means 1.
func NewProvenanceAgent(cfg ProvenanceConfig) *ProvenanceAgent {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &ProvenanceAgent{
		cfg: cfg,
		log: logger.OrDefault(cfg.Logger).With(slog.String("agent", ProvenanceName)),
	}
}

// Start begins consuming the provenance queue and subscribes to mutation reports.
func (a *ProvenanceAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return nil
	}
	pool, err := a.cfg.Queue.ProcessQueue(ctx, a.cfg.QueueName, a.Process, a.cfg.Concurrency)
	if err != nil {
		return err
	}
	a.pool = pool
	if a.cfg.Bus != nil {
		a.unsubscribe = a.cfg.Bus.Subscribe(events.MutationReported, a.onMutation)
	}
	return nil
}

// Stop unsubscribes, then drains the worker pool.
func (a *ProvenanceAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	pool, unsub := a.pool, a.unsubscribe
	a.pool, a.unsubscribe = nil, nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pool == nil {
		return nil
	}
	return pool.Stop(ctx)
}

// onMutation only enqueues; the Action is written by a worker.
func (a *ProvenanceAgent) onMutation(ctx context.Context, env events.Envelope) error {
	report, err := asReport(env.Payload)
	if err != nil {
		return err
	}
	id, err := a.cfg.Queue.AddJob(ctx, a.cfg.QueueName, report, a.cfg.Priority, queue.WithOrg(env.OrgID))
	if err != nil {
		return fmt.Errorf("enqueue mutation report: %w", err)
	}
	a.log.Debug("mutation report queued", slog.String("job_id", id), slog.String("entity_id", report.EntityID))
	return nil
}

func asReport(payload any) (MutationReport, error) {
	switch v := payload.(type) {
	case MutationReport:
		return v, nil
	case *MutationReport:
		if v != nil {
			return *v, nil
		}
	}
	var r MutationReport
	raw, err := json.Marshal(payload)
	if err != nil {
		return r, models.Validationf("provenance.report", "encode payload: %v", err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, models.Validationf("provenance.report", "decode payload: %v", err)
	}
	return r, nil
}

// Process records the Action described by a queued MutationReport.
func (a *ProvenanceAgent) Process(ctx context.Context, job models.Job) error {
	const op = "provenance.process"
	var r MutationReport
	if err := decodeJob(op, job, &r); err != nil {
		return err
	}
	if r.ActionID == "" {
		r.ActionID = uuid.NewString()
	}
	if r.CommitID == "" {
		r.CommitID = job.ID
	}
	if r.Tool == "" {
		r.Tool = ProvenanceName
	}
	action, err := a.cfg.Actions.CreateAction(ctx, repository.CreateActionParams{
		ActionID:     r.ActionID,
		CommitID:     r.CommitID,
		ActionType:   r.ActionType,
		Tool:         r.Tool,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		Inputs:       r.Inputs,
		Outputs:      r.Outputs,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage,
	})
	if err != nil {
		return err
	}
	a.log.Info("action recorded",
		slog.String("job_id", job.ID),
		slog.String("action_id", action.ID),
		slog.String("commit_id", action.CommitID),
	)
	if a.cfg.Bus != nil {
		if err := a.cfg.Bus.Publish(ctx, events.Envelope{Type: events.ActionRecorded, Payload: action}); err != nil {
			a.log.Warn("event subscribers failed", slog.String("type", string(events.ActionRecorded)), slog.Any("err", err))
		}
	}
	return nil
}
