package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"path/filepath"

	"provenance-pipeline/internal/agent"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/repository"
)

// Folder jobs outrank file jobs so parents exist before their contents.
const (
	FolderPriority = 10
	FilePriority   = 0
)

// Enqueuer is the producer side of queue.Service.
type Enqueuer interface {
	AddJob(ctx context.Context, queueName string, data any, priority int, opts ...queue.JobOption) (string, error)
}

// Ingestor turns provider listings into File nodes and stewardship jobs.
type Ingestor struct {
	queue     Enqueuer
	queueName string
	content   *repository.ContentRepository
	bus       *events.Bus
	log       *slog.Logger
}

// New constructs an Ingestor that enqueues onto queueName. bus may be nil.
func New(q Enqueuer, queueName string, content *repository.ContentRepository, bus *events.Bus, log *slog.Logger) *Ingestor {
	return &Ingestor{
		queue:     q,
		queueName: queueName,
		content:   content,
		bus:       bus,
		log:       logger.OrDefault(log).With(slog.String("component", "ingest")),
	}
}

// DiscoverFile upserts the File node and queues its extraction.
func (i *Ingestor) DiscoverFile(ctx context.Context, orgID, sourceID, p, mimeType string) (fileID, jobID string, err error) {
	file, err := i.content.UpsertFileNode(ctx, repository.FileParams{
		OrgID:    orgID,
		SourceID: sourceID,
		Path:     p,
		MimeType: mimeType,
	})
	if err != nil {
		return "", "", err
	}
	if i.bus != nil {
		if err := i.bus.Publish(ctx, events.Envelope{Type: events.FileDiscovered, OrgID: orgID, Payload: file}); err != nil {
			i.log.Warn("event subscribers failed", slog.String("type", string(events.FileDiscovered)), slog.Any("err", err))
		}
	}
	jobID, err = i.queue.AddJob(ctx, i.queueName, agent.StewardshipJob{
		Kind:     agent.KindExtractContent,
		OrgID:    orgID,
		SourceID: sourceID,
		Path:     p,
		FileID:   file.ID,
		MimeType: mimeType,
	}, FilePriority, queue.WithOrg(orgID))
	if err != nil {
		return file.ID, "", err
	}
	return file.ID, jobID, nil
}

// ReportFolder queues a folder upsert.
func (i *Ingestor) ReportFolder(ctx context.Context, orgID, sourceID, p, name string) (string, error) {
	return i.queue.AddJob(ctx, i.queueName, agent.StewardshipJob{
		Kind:     agent.KindUpsertFolder,
		OrgID:    orgID,
		SourceID: sourceID,
		Path:     p,
		Name:     name,
	}, FolderPriority, queue.WithOrg(orgID))
}

// RemoveFolder queues a folder soft delete.
func (i *Ingestor) RemoveFolder(ctx context.Context, orgID, sourceID, p string) (string, error) {
	return i.queue.AddJob(ctx, i.queueName, agent.StewardshipJob{
		Kind:     agent.KindDeleteFolder,
		OrgID:    orgID,
		SourceID: sourceID,
		Path:     p,
	}, FolderPriority, queue.WithOrg(orgID))
}

// Summary counts what a scan queued.
type Summary struct {
	Folders int `json:"folders"`
	Files   int `json:"files"`
}

// ScanDir walks root and reports every folder and file below it. Paths are
// slash-separated and relative to root, with a leading slash.
func (i *Ingestor) ScanDir(ctx context.Context, orgID, sourceID, root string) (Summary, error) {
	var sum Summary
	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		p := path.Clean("/" + filepath.ToSlash(rel))
		if d.IsDir() {
			if p == "/" {
				return nil
			}
			if _, err := i.ReportFolder(ctx, orgID, sourceID, p, d.Name()); err != nil {
				return fmt.Errorf("folder %s: %w", p, err)
			}
			sum.Folders++
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, _, err := i.DiscoverFile(ctx, orgID, sourceID, p, mime.TypeByExtension(filepath.Ext(full))); err != nil {
			return fmt.Errorf("file %s: %w", p, err)
		}
		sum.Files++
		return nil
	})
	if err != nil {
		return sum, err
	}
	i.log.Info("scan queued",
		slog.String("org_id", orgID),
		slog.String("source_id", sourceID),
		slog.Int("folders", sum.Folders),
		slog.Int("files", sum.Files),
	)
	return sum, nil
}
