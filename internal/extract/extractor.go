package extract

import (
	"context"
	"fmt"
	"log/slog"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/models"
)

// Params identifies the file to extract.
type Params struct {
	OrgID    string
	SourceID string
	Path     string
	MimeType string
}

// FileProcessor is the content extraction capability. Its result may be a
// bare string or []byte, a models.Content, or a map with "text" and
// "metadata" entries.
type FileProcessor interface {
	ExtractContent(ctx context.Context, p Params) (any, error)
}

// ProcessorFunc adapts a function to FileProcessor.
type ProcessorFunc func(ctx context.Context, p Params) (any, error)

// ExtractContent calls f.
func (f ProcessorFunc) ExtractContent(ctx context.Context, p Params) (any, error) {
	return f(ctx, p)
}

// Extractor normalizes FileProcessor results into models.Content.
type Extractor struct {
	proc FileProcessor
	log  *slog.Logger
}

// New wraps proc. Processor output is normalized into models.Content.
func New(proc FileProcessor, log *slog.Logger) *Extractor {
	return &Extractor{
		proc: proc,
		log:  logger.OrDefault(log).With(slog.String("component", "extract")),
	}
}

// ExtractContent runs the capability and normalizes its result. The returned
// Metadata is never nil.
func (e *Extractor) ExtractContent(ctx context.Context, p Params) (models.Content, error) {
	const op = "extract.content"
	if p.OrgID == "" || p.Path == "" {
		return models.Content{}, models.Validationf(op, "org id and path are required")
	}
	raw, err := e.proc.ExtractContent(ctx, p)
	if err != nil {
		e.log.Warn("extraction failed",
			slog.String("org_id", p.OrgID),
			slog.String("path", p.Path),
			slog.Any("err", err),
		)
		return models.Content{}, models.Extraction(op, err)
	}
	c, err := normalize(raw)
	if err != nil {
		return models.Content{}, models.Extraction(op, err)
	}
	return c, nil
}

func normalize(raw any) (models.Content, error) {
	var c models.Content
	switch v := raw.(type) {
	case nil:
	case string:
		c.Text = v
	case []byte:
		c.Text = string(v)
	case models.Content:
		c = v
	case *models.Content:
		if v != nil {
			c = *v
		}
	case map[string]any:
		if t, ok := v["text"]; ok && t != nil {
			s, ok := t.(string)
			if !ok {
				return models.Content{}, fmt.Errorf("text has type %T", t)
			}
			c.Text = s
		}
		if m, ok := v["metadata"]; ok && m != nil {
			meta, ok := m.(map[string]any)
			if !ok {
				return models.Content{}, fmt.Errorf("metadata has type %T", m)
			}
			c.Metadata = meta
		}
	default:
		return models.Content{}, fmt.Errorf("unsupported result type %T", raw)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c, nil
}
