package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"membership-bulk-upload/internal/config"
)

// MinioStorage keeps reports in a MinIO (or any S3 compatible) bucket.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

func NewMinioStorage(ctx context.Context, cfg config.Config) (*MinioStorage, error) {
	if cfg.ReportBucket == "" || cfg.ReportEndpoint == "" {
		return nil, fmt.Errorf("REPORT_BUCKET and REPORT_ENDPOINT are required for the minio report backend")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.ReportEndpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ReportAccessKey, cfg.ReportSecretKey, ""),
		Secure: cfg.ReportUseSSL,
		Region: cfg.ReportRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	s := &MinioStorage{client: client, bucket: cfg.ReportBucket}
	if err := s.ensureBucket(ctx, cfg.ReportRegion); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStorage) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *MinioStorage) Put(ctx context.Context, key string, body []byte) error {
	opts := minio.PutObjectOptions{ContentType: xlsxContentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		return fmt.Errorf("upload report object: %w", err)
	}
	return nil
}

func (s *MinioStorage) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat report object: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get report object: %w", err)
	}
	return obj, info.Size, nil
}

func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove report object: %w", err)
	}
	return nil
}

func (s *MinioStorage) List(ctx context.Context) ([]Object, error) {
	var out []Object
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: KeyPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list report objects: %w", obj.Err)
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}
