package agent

import (
	"context"
	"encoding/json"

	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/queue"
)

// Job kinds handled by the stewardship agent.
const (
	KindExtractContent = "extract_content"
	KindUpsertFolder   = "upsert_folder"
	KindDeleteFolder   = "delete_folder"
)

// StewardshipJob is the payload of a file-stewardship job.
type StewardshipJob struct {
	Kind     string `json:"kind"`
	CommitID string `json:"commit_id,omitempty"`
	OrgID    string `json:"org_id"`
	SourceID string `json:"source_id,omitempty"`
	Path     string `json:"path"`
	FileID   string `json:"file_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// MutationReport asks the provenance agent to record an Action for a
// mutation performed elsewhere. It travels as the payload of a
// mutation.reported event and then as a provenance job.
type MutationReport struct {
	ActionID     string              `json:"action_id,omitempty"`
	CommitID     string              `json:"commit_id,omitempty"`
	ActionType   string              `json:"action_type"`
	Tool         string              `json:"tool,omitempty"`
	EntityType   string              `json:"entity_type,omitempty"`
	EntityID     string              `json:"entity_id"`
	Inputs       map[string]any      `json:"inputs,omitempty"`
	Outputs      map[string]any      `json:"outputs,omitempty"`
	Status       models.ActionStatus `json:"status,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// Queue is the part of queue.Service the agents use.
type Queue interface {
	AddJob(ctx context.Context, queueName string, data any, priority int, opts ...queue.JobOption) (string, error)
	ProcessQueue(ctx context.Context, queueName string, proc queue.Processor, concurrency int) (*queue.Pool, error)
}

var _ Queue = (*queue.Service)(nil)

func decodeJob(op string, job models.Job, v any) error {
	if err := json.Unmarshal(job.Data, v); err != nil {
		return models.Validationf(op, "decode job %s: %v", job.ID, err)
	}
	return nil
}
