package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provenance-pipeline/internal/agent"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/repository"
)

type queued struct {
	queue    string
	job      agent.StewardshipJob
	priority int
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queued
}

func (r *recordingQueue) AddJob(_ context.Context, queueName string, data any, priority int, _ ...queue.JobOption) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	var j agent.StewardshipJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, queued{queue: queueName, job: j, priority: priority})
	return "job-" + j.Path, nil
}

func TestScanDir_ReportsFoldersAndFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "2026"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "2026", "plan.txt"), []byte("plan"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logo.png"), []byte("png"), 0o644))

	store := graph.NewMemoryStore()
	content := repository.NewContentRepository(store)
	bus := events.NewBus(logger.Discard())
	var discovered []string
	bus.Subscribe(events.FileDiscovered, func(_ context.Context, env events.Envelope) error {
		discovered = append(discovered, env.Payload.(models.FileNode).Path)
		return nil
	})

	q := &recordingQueue{}
	ing := New(q, "files", content, bus, logger.Discard())

	sum, err := ing.ScanDir(ctx, "org", "local", root)
	require.NoError(t, err)
	assert.Equal(t, Summary{Folders: 2, Files: 2}, sum)
	assert.ElementsMatch(t, []string{"/docs/2026/plan.txt", "/logo.png"}, discovered)
	assert.Equal(t, 2, store.Count(repository.LabelFile))

	var folders, files int
	for _, j := range q.jobs {
		assert.Equal(t, "files", j.queue)
		switch j.job.Kind {
		case agent.KindUpsertFolder:
			folders++
			assert.Equal(t, FolderPriority, j.priority)
		case agent.KindExtractContent:
			files++
			assert.NotEmpty(t, j.job.FileID)
			assert.Equal(t, FilePriority, j.priority)
			if j.job.Path == "/logo.png" {
				assert.Equal(t, "image/png", j.job.MimeType)
			}
		}
	}
	assert.Equal(t, 2, folders)
	assert.Equal(t, 2, files)
}

func TestDiscoverFile_IsStableAcrossScans(t *testing.T) {
	ctx := context.Background()
	content := repository.NewContentRepository(graph.NewMemoryStore())
	ing := New(&recordingQueue{}, "files", content, nil, logger.Discard())

	first, _, err := ing.DiscoverFile(ctx, "org", "src", "/a.txt", "text/plain")
	require.NoError(t, err)
	second, _, err := ing.DiscoverFile(ctx, "org", "src", "/a.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, _, err = ing.DiscoverFile(ctx, "", "src", "/a.txt", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRemoveFolder_QueuesDelete(t *testing.T) {
	q := &recordingQueue{}
	ing := New(q, "files", repository.NewContentRepository(graph.NewMemoryStore()), nil, logger.Discard())

	id, err := ing.RemoveFolder(context.Background(), "org", "src", "/old")
	require.NoError(t, err)
	assert.Equal(t, "job-/old", id)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, agent.KindDeleteFolder, q.jobs[0].job.Kind)
}
