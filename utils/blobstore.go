package utils

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/brickshelf/brickshelf/config"
)

var (
	blobClient *minio.Client
	blobOnce   sync.Once
	blobErr    error
)

// getBlobClient returns a singleton S3-compatible client based on loaded config.
func getBlobClient() (*minio.Client, error) {
	blobOnce.Do(func() {
		cfg := config.Get()
		blobClient, blobErr = minio.New(cfg.BlobEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
			Secure: cfg.BlobUseSSL,
		})
	})
	return blobClient, blobErr
}

// ObjectStore probes and fetches uploaded objects in the blob bucket.
type ObjectStore struct {
	bucket string
}

// NewObjectStore creates an ObjectStore for the configured bucket.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{bucket: config.Get().BlobBucket}
}

// Exists reports whether an object was actually written under the given key.
// A missing object is (false, nil); anything else wrong with the store is an error.
func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	client, err := getBlobClient()
	if err != nil {
		return false, fmt.Errorf("blob store client: %w", err)
	}
	_, err = client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// Fetch reads an object's full content, capped at the parts-list size limit.
func (s *ObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	client, err := getBlobClient()
	if err != nil {
		return nil, fmt.Errorf("blob store client: %w", err)
	}
	obj, err := client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxPartsFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// StorageKeyFromURL derives the object key from a stored file URL: the URL
// path without its leading slash.
func StorageKeyFromURL(fileURL string) (string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("file url %q has no object key", fileURL)
	}
	return key, nil
}
