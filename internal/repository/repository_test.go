package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
)

func TestUpsertFolderNode_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	repo := NewFolderRepository(store)

	first, err := repo.UpsertFolderNode(ctx, "org", "src", "/a/b", "b")
	require.NoError(t, err)
	second, err := repo.UpsertFolderNode(ctx, "org", "src", "/a/b", "b")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Count(LabelFolder))
}

func TestUpsertFolderNode_RefreshesAfterSoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewFolderRepository(graph.NewMemoryStore())

	id, err := repo.UpsertFolderNode(ctx, "org", "src", "/docs", "docs")
	require.NoError(t, err)
	created, err := repo.GetFolder(ctx, id)
	require.NoError(t, err)

	deleted, err := repo.MarkFolderDeleted(ctx, "org", "src", "/docs")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.False(t, deleted.Current)

	again, err := repo.UpsertFolderNode(ctx, "org", "src", "/docs", "Documents")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	folder, err := repo.GetFolder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Documents", folder.Name)
	assert.True(t, folder.Current)
	assert.False(t, folder.Deleted)
	assert.Equal(t, created.CreatedAt, folder.CreatedAt)
	assert.False(t, folder.UpdatedAt.Before(created.UpdatedAt))
}

func TestUpsertFolderNode_ConcurrentCallersConverge(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	repo := NewFolderRepository(store)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := repo.UpsertFolderNode(ctx, "org", "src", "/shared", "shared")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.Count(LabelFolder))
}

func TestFolderRepository_Errors(t *testing.T) {
	ctx := context.Background()
	repo := NewFolderRepository(graph.NewMemoryStore())

	_, err := repo.UpsertFolderNode(ctx, "", "src", "/a", "a")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = repo.MarkFolderDeleted(ctx, "org", "src", "/missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.GetFolder(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListFolders_OrderedByPath(t *testing.T) {
	ctx := context.Background()
	repo := NewFolderRepository(graph.NewMemoryStore())
	for _, p := range []string{"/b", "/a", "/c"} {
		_, err := repo.UpsertFolderNode(ctx, "org", "src", p, p[1:])
		require.NoError(t, err)
	}
	_, err := repo.UpsertFolderNode(ctx, "org", "other", "/z", "z")
	require.NoError(t, err)

	folders, err := repo.ListFolders(ctx, "org", "src")
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, "/a", folders[0].Path)
	assert.Equal(t, "/c", folders[2].Path)
}

func TestUpdateFileContent_RoundTripsMetadata(t *testing.T) {
	ctx := context.Background()
	repo := NewContentRepository(graph.NewMemoryStore())

	file, err := repo.UpsertFileNode(ctx, FileParams{OrgID: "org", SourceID: "src", Path: "/a.txt", MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionPending, file.ExtractionStatus)
	assert.Equal(t, map[string]any{}, file.ContentMetadata)

	_, err = repo.UpdateFileContent(ctx, file.ID, models.Content{Text: "hello", Metadata: map[string]any{"lang": "en"}})
	require.NoError(t, err)

	got, err := repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionCompleted, got.ExtractionStatus)
	assert.Equal(t, "hello", got.ExtractedText)
	assert.Equal(t, map[string]any{"lang": "en"}, got.ContentMetadata)
}

func TestUpdateFileContent_OverwritesPriorContent(t *testing.T) {
	ctx := context.Background()
	repo := NewContentRepository(graph.NewMemoryStore())
	file, err := repo.UpsertFileNode(ctx, FileParams{OrgID: "org", Path: "/a.txt"})
	require.NoError(t, err)

	_, err = repo.MarkExtractionFailed(ctx, file.ID, "timeout")
	require.NoError(t, err)
	_, err = repo.UpdateFileContent(ctx, file.ID, models.Content{Text: "v1", Metadata: map[string]any{"pages": 3, "lang": "en"}})
	require.NoError(t, err)
	got, err := repo.UpdateFileContent(ctx, file.ID, models.Content{Text: "v2"})
	require.NoError(t, err)

	assert.Equal(t, "v2", got.ExtractedText)
	assert.Equal(t, map[string]any{}, got.ContentMetadata)
	assert.Empty(t, got.ExtractionError)
	assert.Equal(t, models.ExtractionCompleted, got.ExtractionStatus)
}

func TestUpsertFileNode_KeepsExtractionState(t *testing.T) {
	ctx := context.Background()
	repo := NewContentRepository(graph.NewMemoryStore())
	file, err := repo.UpsertFileNode(ctx, FileParams{OrgID: "org", Path: "/a.txt"})
	require.NoError(t, err)
	_, err = repo.UpdateFileContent(ctx, file.ID, models.Content{Text: "kept"})
	require.NoError(t, err)

	again, err := repo.UpsertFileNode(ctx, FileParams{OrgID: "org", Path: "/a.txt", MimeType: "text/markdown"})
	require.NoError(t, err)
	assert.Equal(t, file.ID, again.ID)
	assert.Equal(t, models.ExtractionCompleted, again.ExtractionStatus)
	assert.Equal(t, "kept", again.ExtractedText)
	assert.Equal(t, "text/markdown", again.MimeType)
}

func TestContentRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewContentRepository(graph.NewMemoryStore())

	_, err := repo.UpdateFileContent(ctx, "missing", models.Content{Text: "x"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.MarkExtractionStarted(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.GetFile(ctx, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateAction_DistinctRecordsForSameEntity(t *testing.T) {
	ctx := context.Background()
	repo := NewActionRepository(graph.NewMemoryStore(), logger.Discard())

	first, err := repo.CreateAction(ctx, CreateActionParams{
		ActionID:   "a-1",
		CommitID:   "c-1",
		ActionType: "extract_content",
		Tool:       "stewardship",
		EntityType: "File",
		EntityID:   "file-1",
		Inputs:     map[string]any{"path": "/a.txt"},
		Outputs:    map[string]any{"chars": float64(5)},
	})
	require.NoError(t, err)
	second, err := repo.CreateAction(ctx, CreateActionParams{
		ActionID:     "a-2",
		CommitID:     "c-2",
		ActionType:   "extract_content",
		EntityType:   "File",
		EntityID:     "file-1",
		Status:       models.ActionFailed,
		ErrorMessage: "unsupported format",
	})
	require.NoError(t, err)

	got1, err := repo.GetAction(ctx, "a-1")
	require.NoError(t, err)
	got2, err := repo.GetAction(ctx, "a-2")
	require.NoError(t, err)

	assert.Equal(t, first, got1)
	assert.Equal(t, second, got2)
	assert.Equal(t, models.ActionCompleted, got1.Status)
	assert.Equal(t, map[string]any{"path": "/a.txt"}, got1.Inputs)
	assert.Equal(t, models.ActionFailed, got2.Status)
	assert.Equal(t, map[string]any{}, got2.Inputs)

	byEntity, err := repo.ListByEntity(ctx, "file-1")
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	byCommit, err := repo.ListByCommit(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, byCommit, 1)
	assert.Equal(t, "a-1", byCommit[0].ID)
}

func TestCreateAction_Errors(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	repo := NewActionRepository(store, logger.Discard())

	params := CreateActionParams{ActionID: "a-1", CommitID: "c", ActionType: "t", EntityID: "e"}
	_, err := repo.CreateAction(ctx, params)
	require.NoError(t, err)

	_, err = repo.CreateAction(ctx, params)
	assert.ErrorIs(t, err, models.ErrConflict)

	missing := params
	missing.CommitID = ""
	_, err = repo.CreateAction(ctx, missing)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = repo.GetAction(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, store.Close(ctx))
	params.ActionID = "a-2"
	_, err = repo.CreateAction(ctx, params)
	assert.ErrorIs(t, err, models.ErrClosed)
}
