package repository

import (
	"context"

	"github.com/google/uuid"

	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/models"
)

// FolderRepository owns Folder nodes, keyed by (org, source, path).
type FolderRepository struct {
	store graph.Store
}

// NewFolderRepository constructs a FolderRepository over store.
func NewFolderRepository(store graph.Store) *FolderRepository {
	return &FolderRepository{store: store}
}

func folderKey(orgID, sourceID, path string) graph.Props {
	return graph.Props{"org_id": orgID, "source_id": sourceID, "path": path}
}

// UpsertFolderNode creates the folder when absent and always refreshes its
// name, updated_at and current/deleted flags. The returned id is stable for
// an identity.
func (r *FolderRepository) UpsertFolderNode(ctx context.Context, orgID, sourceID, path, name string) (string, error) {
	const op = "folder.upsert"
	if orgID == "" || path == "" {
		return "", models.Validationf(op, "org id and path are required")
	}
	ts := now()
	st := graph.Merge(LabelFolder, folderKey(orgID, sourceID, path)).
		WithOnCreate(graph.Props{
			"id":         uuid.NewString(),
			"created_at": ts,
		}).
		WithSet(graph.Props{
			"name":       name,
			"updated_at": ts,
			"current":    true,
			"deleted":    false,
		})
	folder, err := r.runOne(ctx, op, st, "folder "+path)
	if err != nil {
		return "", err
	}
	return folder.ID, nil
}

// MarkFolderDeleted soft-deletes a folder. The node is kept.
func (r *FolderRepository) MarkFolderDeleted(ctx context.Context, orgID, sourceID, path string) (models.FolderNode, error) {
	const op = "folder.mark_deleted"
	if orgID == "" || path == "" {
		return models.FolderNode{}, models.Validationf(op, "org id and path are required")
	}
	st := graph.Update(LabelFolder, folderKey(orgID, sourceID, path), graph.Props{
		"current":    false,
		"deleted":    true,
		"updated_at": now(),
	})
	return r.runOne(ctx, op, st, "folder "+path)
}

// GetFolder reads a folder by id.
func (r *FolderRepository) GetFolder(ctx context.Context, id string) (models.FolderNode, error) {
	const op = "folder.get"
	if id == "" {
		return models.FolderNode{}, models.Validationf(op, "folder id is required")
	}
	return r.runOne(ctx, op, graph.Match(LabelFolder, graph.Props{"id": id}), "folder "+id)
}

// ListFolders returns the folders of one source ordered by path.
func (r *FolderRepository) ListFolders(ctx context.Context, orgID, sourceID string) ([]models.FolderNode, error) {
	const op = "folder.list"
	if orgID == "" {
		return nil, models.Validationf(op, "org id is required")
	}
	res, err := r.store.Run(ctx, graph.Match(LabelFolder, graph.Props{"org_id": orgID, "source_id": sourceID}, "path"))
	if err != nil {
		return nil, models.Persistence(op, err)
	}
	out := make([]models.FolderNode, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, decodeFolder(rec))
	}
	return out, nil
}

func (r *FolderRepository) runOne(ctx context.Context, op string, st graph.Statement, what string) (models.FolderNode, error) {
	res, err := r.store.Run(ctx, st)
	if err != nil {
		return models.FolderNode{}, models.Persistence(op, err)
	}
	rec, ok := res.First()
	if !ok {
		return models.FolderNode{}, models.NotFound(op, what)
	}
	return decodeFolder(rec), nil
}

func decodeFolder(p graph.Props) models.FolderNode {
	return models.FolderNode{
		ID:        str(p, "id"),
		OrgID:     str(p, "org_id"),
		SourceID:  str(p, "source_id"),
		Path:      str(p, "path"),
		Name:      str(p, "name"),
		Current:   boolean(p, "current"),
		Deleted:   boolean(p, "deleted"),
		CreatedAt: timestamp(p, "created_at"),
		UpdatedAt: timestamp(p, "updated_at"),
	}
}
