package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"

	"go-pixel-quality/internal/model"
)

type fakePutter struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
	err         error
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.bucket, f.key, f.opts = bucket, object, opts
	f.body, _ = io.ReadAll(reader)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "summaries"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	if (Config{}).Enabled() {
		t.Fatalf("empty config must be disabled")
	}
}

func TestPublishUploadsArtifact(t *testing.T) {
	file := filepath.Join(t.TempDir(), "SummaryBarrel_tag.csv")
	if err := os.WriteFile(file, []byte("kind,run\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &fakePutter{}
	p := &MinioPublisher{client: fake, bucket: "summaries", prefix: "pixel"}

	uri, err := p.Publish(context.Background(), model.OutputArtifact{
		Name: "SummaryBarrel_tag.csv", Path: file, Format: "csv", Tag: "tag", Bytes: 9, SHA256: "abc",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if uri != "s3://summaries/pixel/tag/SummaryBarrel_tag.csv" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if string(fake.body) != "kind,run\n" || fake.opts.ContentType != "text/csv" || fake.opts.UserMetadata["sha256"] != "abc" {
		t.Fatalf("unexpected upload %+v", fake)
	}
}

func TestPublishReportsFailures(t *testing.T) {
	p := &MinioPublisher{client: &fakePutter{err: errors.New("denied")}, bucket: "b"}
	file := filepath.Join(t.TempDir(), "a.json")
	os.WriteFile(file, []byte("{}"), 0644)
	if _, err := p.Publish(context.Background(), model.OutputArtifact{Name: "a.json", Path: file, Bytes: 2}); err == nil {
		t.Fatalf("expected upload error")
	}
	if _, err := p.Publish(context.Background(), model.OutputArtifact{Name: "gone", Path: filepath.Join(t.TempDir(), "gone")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
