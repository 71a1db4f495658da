package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/extract"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/repository"
)

// StewardshipName is the registry name of the file-stewardship agent.
const StewardshipName = "file-stewardship"

// StewardshipConfig wires a StewardshipAgent.
type StewardshipConfig struct {
	Queue       Queue
	QueueName   string
	Concurrency int
	Bus         *events.Bus
	Extractor   *extract.Extractor
	Content     *repository.ContentRepository
	Folders     *repository.FolderRepository
	Actions     *repository.ActionRepository
	Logger      *slog.Logger
}

// StewardshipAgent consumes file-stewardship jobs: content extraction and
// folder upserts/deletes. Every job records an Action.
type StewardshipAgent struct {
	cfg StewardshipConfig
	log *slog.Logger

	mu   sync.Mutex
	pool *queue.Pool
}

// NewStewardshipAgent constructs the agent. Concurrency below 1 means 1.
func NewStewardshipAgent(cfg StewardshipConfig) *StewardshipAgent {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &StewardshipAgent{
		cfg: cfg,
		log: logger.OrDefault(cfg.Logger).With(slog.String("agent", StewardshipName)),
	}
}

// Start begins consuming the stewardship queue. Calling it again is a no-op.
func (a *StewardshipAgent) Start(ctx context.Context) error {
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
	return nil
}

// Stop drains the worker pool.
func (a *StewardshipAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	pool := a.pool
	a.pool = nil
	a.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Stop(ctx)
}

// Process handles one job. It is the queue.Processor for the agent's queue.
func (a *StewardshipAgent) Process(ctx context.Context, job models.Job) error {
	const op = "stewardship.process"
	var p StewardshipJob
	if err := decodeJob(op, job, &p); err != nil {
		return err
	}
	if p.CommitID == "" {
		p.CommitID = job.ID
	}
	log := a.log.With(slog.String("job_id", job.ID), slog.String("kind", p.Kind))

	switch p.Kind {
	case KindExtractContent:
		return a.extractContent(ctx, log, p)
	case KindUpsertFolder:
		return a.upsertFolder(ctx, log, p)
	case KindDeleteFolder:
		return a.deleteFolder(ctx, log, p)
	default:
		return models.Validationf(op, "unknown job kind %q", p.Kind)
	}
}

func (a *StewardshipAgent) extractContent(ctx context.Context, log *slog.Logger, p StewardshipJob) error {
	if p.FileID == "" || p.OrgID == "" || p.Path == "" {
		return models.Validationf("stewardship.extract", "file id, org id and path are required")
	}
	inputs := map[string]any{"path": p.Path, "mime_type": p.MimeType, "source_id": p.SourceID}

	if _, err := a.cfg.Content.MarkExtractionStarted(ctx, p.FileID); err != nil {
		return err
	}

	content, err := a.cfg.Extractor.ExtractContent(ctx, extract.Params{
		OrgID:    p.OrgID,
		SourceID: p.SourceID,
		Path:     p.Path,
		MimeType: p.MimeType,
	})
	if err == nil {
		_, err = a.cfg.Content.UpdateFileContent(ctx, p.FileID, content)
	}
	if err != nil {
		log.Warn("extraction failed", slog.String("file_id", p.FileID), slog.Any("err", err))
		var errs []error
		errs = append(errs, err)
		if _, markErr := a.cfg.Content.MarkExtractionFailed(ctx, p.FileID, err.Error()); markErr != nil {
			errs = append(errs, markErr)
		}
		if _, actErr := a.record(ctx, p, "File", p.FileID, inputs, nil, err); actErr != nil {
			errs = append(errs, actErr)
		}
		a.publish(ctx, events.FileExtractionFailed, p.OrgID, map[string]any{
			"file_id": p.FileID,
			"path":    p.Path,
			"error":   err.Error(),
		})
		return errors.Join(errs...)
	}

	outputs := map[string]any{"chars": len(content.Text), "metadata_keys": len(content.Metadata)}
	action, err := a.record(ctx, p, "File", p.FileID, inputs, outputs, nil)
	if err != nil {
		return err
	}
	log.Info("file content updated", slog.String("file_id", p.FileID), slog.String("action_id", action.ID))
	a.publish(ctx, events.FileUpdated, p.OrgID, map[string]any{
		"file_id":   p.FileID,
		"path":      p.Path,
		"action_id": action.ID,
	})
	return nil
}

func (a *StewardshipAgent) upsertFolder(ctx context.Context, log *slog.Logger, p StewardshipJob) error {
	inputs := map[string]any{"path": p.Path, "name": p.Name, "source_id": p.SourceID}
	id, err := a.cfg.Folders.UpsertFolderNode(ctx, p.OrgID, p.SourceID, p.Path, p.Name)
	if err != nil {
		if _, actErr := a.record(ctx, p, "Folder", p.Path, inputs, nil, err); actErr != nil {
			return errors.Join(err, actErr)
		}
		return err
	}
	action, err := a.record(ctx, p, "Folder", id, inputs, map[string]any{"folder_id": id}, nil)
	if err != nil {
		return err
	}
	log.Info("folder upserted", slog.String("folder_id", id), slog.String("path", p.Path))
	a.publish(ctx, events.FolderUpserted, p.OrgID, map[string]any{
		"folder_id": id,
		"path":      p.Path,
		"action_id": action.ID,
	})
	return nil
}

func (a *StewardshipAgent) deleteFolder(ctx context.Context, log *slog.Logger, p StewardshipJob) error {
	inputs := map[string]any{"path": p.Path, "source_id": p.SourceID}
	folder, err := a.cfg.Folders.MarkFolderDeleted(ctx, p.OrgID, p.SourceID, p.Path)
	if err != nil {
		if _, actErr := a.record(ctx, p, "Folder", p.Path, inputs, nil, err); actErr != nil {
			return errors.Join(err, actErr)
		}
		return err
	}
	action, err := a.record(ctx, p, "Folder", folder.ID, inputs, map[string]any{"deleted": true}, nil)
	if err != nil {
		return err
	}
	log.Info("folder deleted", slog.String("folder_id", folder.ID), slog.String("path", p.Path))
	a.publish(ctx, events.FolderDeleted, p.OrgID, map[string]any{
		"folder_id": folder.ID,
		"path":      p.Path,
		"action_id": action.ID,
	})
	return nil
}

// record appends the Action for one job. A non-nil cause records a failure.
func (a *StewardshipAgent) record(ctx context.Context, p StewardshipJob, entityType, entityID string, inputs, outputs map[string]any, cause error) (models.Action, error) {
	params := repository.CreateActionParams{
		ActionID:   uuid.NewString(),
		CommitID:   p.CommitID,
		ActionType: p.Kind,
		Tool:       StewardshipName,
		EntityType: entityType,
		EntityID:   entityID,
		Inputs:     inputs,
		Outputs:    outputs,
		Status:     models.ActionCompleted,
	}
	if cause != nil {
		params.Status = models.ActionFailed
		params.ErrorMessage = cause.Error()
	}
	action, err := a.cfg.Actions.CreateAction(ctx, params)
	if err != nil {
		return models.Action{}, fmt.Errorf("record %s action: %w", p.Kind, err)
	}
	return action, nil
}

func (a *StewardshipAgent) publish(ctx context.Context, t events.Type, orgID string, payload map[string]any) {
	if a.cfg.Bus == nil {
		return
	}
	if err := a.cfg.Bus.Publish(ctx, events.Envelope{Type: t, OrgID: orgID, Payload: payload}); err != nil {
		a.log.Warn("event subscribers failed", slog.String("type", string(t)), slog.Any("err", err))
	}
}
