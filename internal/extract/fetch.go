package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"provenance-pipeline/internal/config"
	"provenance-pipeline/internal/models"
)

// DirFetcher reads files below Root. Paths never escape Root.
type DirFetcher struct {
	Root string
}

// Fetch opens p.Path below Root. Paths escaping Root are not found.
func (d DirFetcher) Fetch(_ context.Context, p Params) (Object, error) {
	name := filepath.Join(d.Root, filepath.Clean("/"+p.Path))
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, models.NotFound("extract.fetch", "file "+p.Path)
	}
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", p.Path, err)
	}
	return Object{Body: f, ContentType: mime.TypeByExtension(filepath.Ext(name))}, nil
}

// S3Fetcher reads objects from a bucket, keyed by the file path.
type S3Fetcher struct {
	client *s3.Client
	bucket string
}

// NewS3Fetcher builds the S3 client from cfg. A custom endpoint and path-style
// addressing support MinIO and other S3-compatible stores.
func NewS3Fetcher(ctx context.Context, cfg config.Config) (*S3Fetcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Fetcher{client: client, bucket: cfg.S3Bucket}, nil
}

// Fetch reads the object keyed by p.Path from the configured bucket.
func (s *S3Fetcher) Fetch(ctx context.Context, p Params) (Object, error) {
	key := strings.TrimPrefix(p.Path, "/")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Object{}, models.NotFound("extract.fetch", fmt.Sprintf("s3://%s/%s", s.bucket, key))
		}
		return Object{}, fmt.Errorf("get object: %w", err)
	}
	return Object{Body: out.Body, ContentType: aws.ToString(out.ContentType)}, nil
}

// NewFetcher picks S3 when a bucket is configured and the local content root otherwise.
func NewFetcher(ctx context.Context, cfg config.Config) (Fetcher, error) {
	if cfg.S3Bucket != "" {
		return NewS3Fetcher(ctx, cfg)
	}
	return DirFetcher{Root: cfg.ContentRoot}, nil
}
