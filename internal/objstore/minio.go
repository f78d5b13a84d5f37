package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioBackend struct {
	client *minio.Client
}

func newMinioBackend(cfg Config) (*minioBackend, error) {
	endpoint, secure := hostPort(cfg)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &minioBackend{client: client}, nil
}

// hostPort returns the endpoint as host[:port] along with whether TLS
// should be used. A scheme on the endpoint overrides UseSSL.
func hostPort(cfg Config) (string, bool) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL

	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		secure = true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	if cfg.Port > 0 && !strings.Contains(endpoint, ":") {
		endpoint += ":" + strconv.Itoa(cfg.Port)
	}
	return endpoint, secure
}

func minioError(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return kindError(ErrNotFound, err)
	case "NoSuchBucket":
		return kindError(ErrBucketNotFound, err)
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return kindError(ErrBucketExists, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return kindError(ErrNotFound, err)
	}
	return err
}

func (m *minioBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	return exists, minioError(err)
}

func (m *minioBackend) MakeBucket(ctx context.Context, bucket string, region string) error {
	return minioError(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func (m *minioBackend) putOptions(opts PutOptions) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.UserMetadata,
		PartSize:     opts.PartSize,
	}
}

func (m *minioBackend) PutFile(ctx context.Context, bucket string, key string, path string, opts PutOptions) (string, error) {
	info, err := m.client.FPutObject(ctx, bucket, key, path, m.putOptions(opts))
	if err != nil {
		return "", minioError(err)
	}
	return info.ETag, nil
}

func (m *minioBackend) PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, opts PutOptions) (string, error) {
	info, err := m.client.PutObject(ctx, bucket, key, r, size, m.putOptions(opts))
	if err != nil {
		return "", minioError(err)
	}
	return info.ETag, nil
}

func (m *minioBackend) GetFile(ctx context.Context, bucket string, key string, dest string) error {
	return minioError(m.client.FGetObject(ctx, bucket, key, dest, minio.GetObjectOptions{}))
}

func (m *minioBackend) GetObject(ctx context.Context, bucket string, key string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(err)
	}

	// GetObject is lazy; Stat issues the request and surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, minioError(err)
	}

	return &Object{
		Body:        obj,
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}, nil
}

func (m *minioBackend) StatObject(ctx context.Context, bucket string, key string) (ObjectStat, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, minioError(err)
	}

	return ObjectStat{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		Metadata:     map[string]string(info.UserMetadata),
	}, nil
}

func (m *minioBackend) ListObjects(ctx context.Context, bucket string, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, minioError(info.Err)
		}
		objects = append(objects, ObjectInfo{
			Name:         info.Key,
			Size:         info.Size,
			ETag:         info.ETag,
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}

func (m *minioBackend) RemoveObject(ctx context.Context, bucket string, key string) error {
	return minioError(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}
