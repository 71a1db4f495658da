package repository

import (
	"context"
	"log/slog"
	"sort"

	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/telemetry"
)

// ActionRepository appends provenance Actions. Actions are never updated.
type ActionRepository struct {
	store graph.Store
	log   *slog.Logger
}

// NewActionRepository constructs an ActionRepository over store.
func NewActionRepository(store graph.Store, log *slog.Logger) *ActionRepository {
	return &ActionRepository{
		store: store,
		log:   logger.OrDefault(log).With(slog.String("component", "provenance")),
	}
}

// CreateActionParams describes one mutation. ActionID is chosen by the
// caller and must be unique.
type CreateActionParams struct {
	ActionID     string
	CommitID     string
	ActionType   string
	Tool         string
	EntityType   string
	EntityID     string
	Inputs       map[string]any
	Outputs      map[string]any
	Status       models.ActionStatus
	ErrorMessage string
}

// CreateAction appends an Action. A reused ActionID fails with ErrConflict.
// Failures are returned as is; the mutation being audited is not undone.
func (r *ActionRepository) CreateAction(ctx context.Context, p CreateActionParams) (models.Action, error) {
	const op = "provenance.create_action"
	switch {
	case p.ActionID == "":
		return models.Action{}, models.Validationf(op, "action id is required")
	case p.CommitID == "":
		return models.Action{}, models.Validationf(op, "commit id is required")
	case p.ActionType == "":
		return models.Action{}, models.Validationf(op, "action type is required")
	case p.EntityID == "":
		return models.Action{}, models.Validationf(op, "entity id is required")
	}
	if p.Status == "" {
		p.Status = models.ActionCompleted
	}
	inputs, err := encodeMap(p.Inputs)
	if err != nil {
		return models.Action{}, models.Validationf(op, "inputs: %v", err)
	}
	outputs, err := encodeMap(p.Outputs)
	if err != nil {
		return models.Action{}, models.Validationf(op, "outputs: %v", err)
	}

	res, err := r.store.Run(ctx, graph.Create(LabelAction, graph.Props{"id": p.ActionID}, graph.Props{
		"commit_id":     p.CommitID,
		"action_type":   p.ActionType,
		"tool":          p.Tool,
		"entity_type":   p.EntityType,
		"entity_id":     p.EntityID,
		"inputs":        inputs,
		"outputs":       outputs,
		"status":        string(p.Status),
		"error_message": p.ErrorMessage,
		"created_at":    now(),
	}))
	if err != nil {
		r.log.Error("record action",
			slog.String("action_id", p.ActionID),
			slog.String("commit_id", p.CommitID),
			slog.Any("err", err),
		)
		return models.Action{}, models.Persistence(op, err)
	}
	rec, ok := res.First()
	if !ok {
		return models.Action{}, models.Persistence(op, errNoRecord)
	}
	telemetry.ActionsRecorded.WithLabelValues(string(p.Status)).Inc()
	return decodeAction(op, rec)
}

// GetAction reads one Action.
func (r *ActionRepository) GetAction(ctx context.Context, id string) (models.Action, error) {
	const op = "provenance.get_action"
	actions, err := r.list(ctx, op, graph.Props{"id": id})
	if err != nil {
		return models.Action{}, err
	}
	if len(actions) == 0 {
		return models.Action{}, models.NotFound(op, "action "+id)
	}
	return actions[0], nil
}

// ListByCommit returns the Actions of one commit, oldest first.
func (r *ActionRepository) ListByCommit(ctx context.Context, commitID string) ([]models.Action, error) {
	return r.list(ctx, "provenance.list_by_commit", graph.Props{"commit_id": commitID})
}

// ListByEntity returns every Action recorded against entityID, oldest first.
func (r *ActionRepository) ListByEntity(ctx context.Context, entityID string) ([]models.Action, error) {
	return r.list(ctx, "provenance.list_by_entity", graph.Props{"entity_id": entityID})
}

func (r *ActionRepository) list(ctx context.Context, op string, filter graph.Props) ([]models.Action, error) {
	for k, v := range filter {
		if v == "" {
			return nil, models.Validationf(op, "%s is required", k)
		}
	}
	res, err := r.store.Run(ctx, graph.Match(LabelAction, filter, "created_at", "id"))
	if err != nil {
		return nil, models.Persistence(op, err)
	}
	out := make([]models.Action, 0, len(res.Records))
	for _, rec := range res.Records {
		a, err := decodeAction(op, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	// Backends order created_at by their native type; re-sort on the decoded time.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func decodeAction(op string, p graph.Props) (models.Action, error) {
	inputs, err := decodeMap(p, "inputs")
	if err != nil {
		return models.Action{}, models.Persistence(op, err)
	}
	outputs, err := decodeMap(p, "outputs")
	if err != nil {
		return models.Action{}, models.Persistence(op, err)
	}
	return models.Action{
		ID:           str(p, "id"),
		CommitID:     str(p, "commit_id"),
		ActionType:   str(p, "action_type"),
		Tool:         str(p, "tool"),
		EntityType:   str(p, "entity_type"),
		EntityID:     str(p, "entity_id"),
		Inputs:       inputs,
		Outputs:      outputs,
		Status:       models.ActionStatus(str(p, "status")),
		ErrorMessage: str(p, "error_message"),
		CreatedAt:    timestamp(p, "created_at"),
	}, nil
}
