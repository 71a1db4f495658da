package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"

	"provenance-pipeline/internal/models"
)

// ErrUnsupportedFormat is returned for content types with no extractor.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Object is a fetched file body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
}

// Fetcher loads file bytes from wherever the provider stored them.
type Fetcher interface {
	Fetch(ctx context.Context, p Params) (Object, error)
}

// ObjectProcessor is a FileProcessor over a Fetcher. It handles plain text
// and images; every other format is rejected.
type ObjectProcessor struct {
	fetcher  Fetcher
	maxBytes int64
}

// NewObjectProcessor reads objects through f. maxBytes <= 0 uses the 25MB default.
func NewObjectProcessor(f Fetcher, maxBytes int64) *ObjectProcessor {
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &ObjectProcessor{fetcher: f, maxBytes: maxBytes}
}

// ExtractContent returns text for textual types and metadata for images.
// Anything else fails with ErrUnsupportedFormat.
func (o *ObjectProcessor) ExtractContent(ctx context.Context, p Params) (any, error) {
	obj, err := o.fetcher.Fetch(ctx, p)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(io.LimitReader(obj.Body, o.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	if int64(len(body)) > o.maxBytes {
		return nil, fmt.Errorf("%s too large (>%d bytes)", p.Path, o.maxBytes)
	}

	mt := mediaType(p.MimeType, obj.ContentType, body)
	switch {
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml":
		return string(body), nil
	case strings.HasPrefix(mt, "image/"):
		return imageContent(p.Path, mt, body)
	default:
		return nil, fmt.Errorf("%s: %w: %s", p.Path, ErrUnsupportedFormat, mt)
	}
}

func imageContent(path, mt string, body []byte) (models.Content, error) {
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return models.Content{}, fmt.Errorf("decode image %s: %w", path, err)
	}
	b := img.Bounds()
	meta := map[string]any{
		"width":     b.Dx(),
		"height":    b.Dy(),
		"mime_type": mt,
	}
	if f, err := imaging.FormatFromFilename(path); err == nil {
		meta["format"] = strings.ToLower(f.String())
	}
	return models.Content{Metadata: meta}, nil
}

// mediaType prefers the declared type, then the fetched one, then sniffing.
func mediaType(declared, fetched string, body []byte) string {
	for _, v := range []string{declared, fetched} {
		if v == "" || v == "application/octet-stream" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(v); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	return mt
}
