package repository

import (
	"context"

	"github.com/google/uuid"

	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/models"
)

// ContentRepository owns File nodes and their extracted content.
type ContentRepository struct {
	store graph.Store
}

// NewContentRepository constructs a ContentRepository over store.
func NewContentRepository(store graph.Store) *ContentRepository {
	return &ContentRepository{store: store}
}

// FileParams identifies a file reported by a provider.
type FileParams struct {
	OrgID    string
	SourceID string
	Path     string
	MimeType string
}

// UpsertFileNode records a discovered file. New nodes start pending;
// existing nodes keep their extraction state and get the latest mime type.
func (r *ContentRepository) UpsertFileNode(ctx context.Context, p FileParams) (models.FileNode, error) {
	const op = "content.upsert_file"
	if p.OrgID == "" || p.Path == "" {
		return models.FileNode{}, models.Validationf(op, "org id and path are required")
	}
	ts := now()
	st := graph.Merge(LabelFile, graph.Props{
		"org_id":    p.OrgID,
		"source_id": p.SourceID,
		"path":      p.Path,
	}).WithOnCreate(graph.Props{
		"id":                uuid.NewString(),
		"created_at":        ts,
		"extracted_text":    "",
		"content_metadata":  "{}",
		"extraction_status": string(models.ExtractionPending),
		"extraction_error":  "",
	}).WithSet(graph.Props{
		"mime_type":  p.MimeType,
		"updated_at": ts,
	})
	return r.runOne(ctx, op, st, "file "+p.Path)
}

// GetFile reads a File node by id.
func (r *ContentRepository) GetFile(ctx context.Context, fileID string) (models.FileNode, error) {
	const op = "content.get_file"
	if fileID == "" {
		return models.FileNode{}, models.Validationf(op, "file id is required")
	}
	return r.runOne(ctx, op, graph.Match(LabelFile, graph.Props{"id": fileID}), "file "+fileID)
}

// MarkExtractionStarted moves the file to processing.
func (r *ContentRepository) MarkExtractionStarted(ctx context.Context, fileID string) (models.FileNode, error) {
	return r.update(ctx, "content.mark_started", fileID, graph.Props{
		"extraction_status": string(models.ExtractionProcessing),
		"extraction_error":  "",
	})
}

// MarkExtractionFailed records a failed attempt. Previously extracted text
// is left in place.
func (r *ContentRepository) MarkExtractionFailed(ctx context.Context, fileID, msg string) (models.FileNode, error) {
	return r.update(ctx, "content.mark_failed", fileID, graph.Props{
		"extraction_status": string(models.ExtractionFailed),
		"extraction_error":  msg,
	})
}

// UpdateFileContent overwrites the extracted text and metadata and marks the
// file completed.
func (r *ContentRepository) UpdateFileContent(ctx context.Context, fileID string, c models.Content) (models.FileNode, error) {
	const op = "content.update_file_content"
	meta, err := encodeMap(c.Metadata)
	if err != nil {
		return models.FileNode{}, models.Validationf(op, "%v", err)
	}
	return r.update(ctx, op, fileID, graph.Props{
		"extracted_text":    c.Text,
		"content_metadata":  meta,
		"extraction_status": string(models.ExtractionCompleted),
		"extraction_error":  "",
	})
}

func (r *ContentRepository) update(ctx context.Context, op, fileID string, set graph.Props) (models.FileNode, error) {
	if fileID == "" {
		return models.FileNode{}, models.Validationf(op, "file id is required")
	}
	set["updated_at"] = now()
	return r.runOne(ctx, op, graph.Update(LabelFile, graph.Props{"id": fileID}, set), "file "+fileID)
}

func (r *ContentRepository) runOne(ctx context.Context, op string, st graph.Statement, what string) (models.FileNode, error) {
	res, err := r.store.Run(ctx, st)
	if err != nil {
		return models.FileNode{}, models.Persistence(op, err)
	}
	rec, ok := res.First()
	if !ok {
		return models.FileNode{}, models.NotFound(op, what)
	}
	return decodeFile(op, rec)
}

func decodeFile(op string, p graph.Props) (models.FileNode, error) {
	meta, err := decodeMap(p, "content_metadata")
	if err != nil {
		return models.FileNode{}, models.Persistence(op, err)
	}
	return models.FileNode{
		ID:               str(p, "id"),
		OrgID:            str(p, "org_id"),
		SourceID:         str(p, "source_id"),
		Path:             str(p, "path"),
		MimeType:         str(p, "mime_type"),
		ExtractedText:    str(p, "extracted_text"),
		ContentMetadata:  meta,
		ExtractionStatus: models.ExtractionStatus(str(p, "extraction_status")),
		ExtractionError:  str(p, "extraction_error"),
		CreatedAt:        timestamp(p, "created_at"),
		UpdatedAt:        timestamp(p, "updated_at"),
	}, nil
}
