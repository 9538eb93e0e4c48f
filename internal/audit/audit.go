// Package audit persists run artifacts (dataset analysis, normalized
// samples, reconcile reports) as JSON documents.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink stores one named JSON document and returns where it went.
type Sink interface {
	Write(ctx context.Context, name string, v any) (string, error)
}

// Name returns "<prefix>_<YYYYmmdd_HHMMSS>.json".
func Name(prefix string, at time.Time) string {
	return fmt.Sprintf("%s_%s.json", prefix, at.Format("20060102_150405"))
}

func encode(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: encode: %w", err)
	}
	return append(b, '\n'), nil
}

// Dir writes documents under a local directory, creating it on demand.
type Dir struct {
	Path string
}

func (d Dir) Write(ctx context.Context, name string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := encode(v)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("audit: mkdir %s: %w", d.Path, err)
	}
	dst := filepath.Join(d.Path, filepath.Base(name))
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return "", fmt.Errorf("audit: write %s: %w", dst, err)
	}
	return dst, nil
}

// BucketConfig locates a MinIO/S3 bucket.
type BucketConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// Bucket uploads documents to an object store.
type Bucket struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewBucket builds a MinIO client. No request is made until Write.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("audit: bucket endpoint and name are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: minio client: %w", err)
	}
	return &Bucket{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (b *Bucket) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

func (b *Bucket) Write(ctx context.Context, name string, v any) (string, error) {
	body, err := encode(v)
	if err != nil {
		return "", err
	}
	key := b.key(name)
	_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("audit: put %s/%s: %w", b.bucket, key, err)
	}
	return "s3://" + b.bucket + "/" + key, nil
}

// Discard drops every document.
type Discard struct{}

func (Discard) Write(ctx context.Context, name string, v any) (string, error) { return "", nil }
