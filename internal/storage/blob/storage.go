package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/petmatch/pet-media-pipeline/internal/procerr"
)

// Storage provides an S3-compatible blob store using MinIO.
// All pet artifacts live in a single bucket under the
// pets/{petType}s/{petId}/ key convention.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO
// server. If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Save uploads payload under the given key with the given content type.
func (s *Storage) Save(ctx context.Context, key, contentType string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return procerr.Wrap(procerr.CategoryStorageTransient, "failed to save object "+key, err)
	}

	return nil
}

// Load retrieves the object under key and returns its bytes.
func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, procerr.Wrap(procerr.CategoryStorageTransient, "failed to load object "+key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, procerr.Wrap(procerr.CategorySourceMissing, "object not found: "+key, err)
		}
		return nil, procerr.Wrap(procerr.CategoryStorageTransient, "failed to read object "+key, err)
	}

	return data, nil
}

// Exists reports whether an object is present under key. It issues a
// metadata-only stat, never a full read.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, procerr.Wrap(procerr.CategoryStorageTransient, "failed to stat object "+key, err)
	}

	return true, nil
}

// ListKeys returns all object keys under the given prefix.
func (s *Storage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, procerr.Wrap(procerr.CategoryStorageTransient, "failed to list objects under "+prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}
