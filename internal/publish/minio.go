package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"go-pixel-quality/internal/model"
)

// Config locates the bucket summary artifacts are copied to.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether publishing is configured at all.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// objectPutter is the part of *minio.Client the publisher needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioPublisher uploads artifacts to an S3-compatible bucket.
type MinioPublisher struct {
	client objectPutter
	bucket string
	prefix string
}

// NewMinioPublisher builds a client from cfg.
func NewMinioPublisher(cfg Config) (*MinioPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("publish config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ObjectKey is where an artifact lands in the bucket: <prefix>/<tag>/<name>.
func (p *MinioPublisher) ObjectKey(a model.OutputArtifact) string {
	return path.Join(p.prefix, a.Tag, a.Name)
}

// Publish implements ports.Publisher and returns the s3:// URI of the object.
func (p *MinioPublisher) Publish(ctx context.Context, a model.OutputArtifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := p.ObjectKey(a)
	opts := minio.PutObjectOptions{ContentType: contentType(a.Format)}
	if a.SHA256 != "" {
		opts.UserMetadata = map[string]string{"sha256": a.SHA256}
	}
	if _, err := p.client.PutObject(ctx, p.bucket, key, f, a.Bytes, opts); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", p.bucket, key, err)
	}
	return "s3://" + p.bucket + "/" + key, nil
}

func contentType(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
