// Package archive stores fetched audit HTML on local disk or in S3.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"leadgen/internal/config"
)

// Uploader writes a snapshot and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks an uploader from SNAPSHOT_DESTINATION. It returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	switch strings.ToLower(cfg.SnapshotDestination) {
	case "", "none", "off":
		return nil, nil
	case "local":
		dir := cfg.SnapshotDir
		if dir == "" {
			dir = "./snapshots"
		}
		return &LocalUploader{BaseDir: dir}, nil
	case "s3":
		if cfg.SnapshotS3Bucket == "" {
			return nil, errors.New("snapshot destination s3 requested but SNAPSHOT_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.SnapshotS3Bucket}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot destination %q", cfg.SnapshotDestination)
	}
}

// SnapshotKey is the object key for an audit's HTML.
func SnapshotKey(leadID, auditID string) string {
	return sanitizeKey(fmt.Sprintf("audits/%s/%s.html", leadID, auditID))
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SnapshotS3Region),
	}
	if cfg.SnapshotS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SnapshotS3Endpoint,
					HostnameImmutable: cfg.SnapshotS3PathStyle,
					SigningRegion:     cfg.SnapshotS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SnapshotS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimLeft(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// LocalUploader writes snapshots under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts snapshots into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(sanitizeKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, sanitizeKey(key)), nil
}
