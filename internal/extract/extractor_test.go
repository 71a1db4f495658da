package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
)

func TestExtractContent_Normalizes(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   models.Content
	}{
		{"bare string", "hello", models.Content{Text: "hello", Metadata: map[string]any{}}},
		{"bytes", []byte("raw"), models.Content{Text: "raw", Metadata: map[string]any{}}},
		{"nil", nil, models.Content{Text: "", Metadata: map[string]any{}}},
		{"content", models.Content{Text: "t", Metadata: map[string]any{"lang": "en"}}, models.Content{Text: "t", Metadata: map[string]any{"lang": "en"}}},
		{"content without metadata", &models.Content{Text: "t"}, models.Content{Text: "t", Metadata: map[string]any{}}},
		{"map", map[string]any{"text": "m", "metadata": map[string]any{"pages": 2}}, models.Content{Text: "m", Metadata: map[string]any{"pages": 2}}},
		{"map missing fields", map[string]any{}, models.Content{Text: "", Metadata: map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(ProcessorFunc(func(context.Context, Params) (any, error) { return tt.result, nil }), logger.Discard())
			got, err := ex.ExtractContent(context.Background(), Params{OrgID: "org", Path: "/a"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractContent_Failures(t *testing.T) {
	ctx := context.Background()

	ex := New(ProcessorFunc(func(context.Context, Params) (any, error) { return nil, errors.New("corrupt") }), logger.Discard())
	_, err := ex.ExtractContent(ctx, Params{OrgID: "org", Path: "/a"})
	assert.ErrorIs(t, err, models.ErrExtraction)
	assert.Contains(t, err.Error(), "corrupt")

	ex = New(ProcessorFunc(func(context.Context, Params) (any, error) { return 42, nil }), logger.Discard())
	_, err = ex.ExtractContent(ctx, Params{OrgID: "org", Path: "/a"})
	assert.ErrorIs(t, err, models.ErrExtraction)

	ex = New(ProcessorFunc(func(context.Context, Params) (any, error) {
		return map[string]any{"metadata": "nope"}, nil
	}), logger.Discard())
	_, err = ex.ExtractContent(ctx, Params{OrgID: "org", Path: "/a"})
	assert.ErrorIs(t, err, models.ErrExtraction)

	_, err = ex.ExtractContent(ctx, Params{Path: "/a"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func writeFile(t *testing.T, dir, name string, body []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, body, 0o644))
}

func TestObjectProcessor_Text(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes/readme.txt", []byte("hello world"))

	ex := New(NewObjectProcessor(DirFetcher{Root: dir}, 0), logger.Discard())
	got, err := ex.ExtractContent(context.Background(), Params{OrgID: "org", Path: "/notes/readme.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Text)
	assert.Empty(t, got.Metadata)
}

func TestObjectProcessor_ImageMetadata(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 7))
	for y := 0; y < 7; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	dir := t.TempDir()
	writeFile(t, dir, "photo.png", buf.Bytes())

	ex := New(NewObjectProcessor(DirFetcher{Root: dir}, 0), logger.Discard())
	got, err := ex.ExtractContent(context.Background(), Params{OrgID: "org", Path: "photo.png", MimeType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "", got.Text)
	assert.Equal(t, 12, got.Metadata["width"])
	assert.Equal(t, 7, got.Metadata["height"])
	assert.Equal(t, "png", got.Metadata["format"])
}

func TestObjectProcessor_Rejections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "report.pdf", []byte("%PDF-1.7 fake"))
	writeFile(t, dir, "big.txt", bytes.Repeat([]byte("x"), 64))

	ctx := context.Background()
	ex := New(NewObjectProcessor(DirFetcher{Root: dir}, 32), logger.Discard())

	_, err := ex.ExtractContent(ctx, Params{OrgID: "org", Path: "report.pdf", MimeType: "application/pdf"})
	assert.ErrorIs(t, err, models.ErrExtraction)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ex.ExtractContent(ctx, Params{OrgID: "org", Path: "big.txt"})
	assert.ErrorIs(t, err, models.ErrExtraction)
	assert.Contains(t, err.Error(), "too large")

	_, err = ex.ExtractContent(ctx, Params{OrgID: "org", Path: "../../etc/missing"})
	assert.ErrorIs(t, err, models.ErrExtraction)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
