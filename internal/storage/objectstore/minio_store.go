package objectstore

import (
	"context"
	"fmt"
	"io"

	platformstore "github.com/animus-labs/medscan/internal/platform/objectstore"
	"github.com/minio/minio-go/v7"
)

// MinioStore archives uploaded images in MinIO.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore builds the client from cfg.
func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

// Put uploads body under bucket/key.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return err
}
