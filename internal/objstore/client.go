package objstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Client owns a lazily initialized connection to the object store. The
// handle is established on first use and reused for the life of the
// Client. Concurrent first callers share a single initialization.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	backend Backend
	group   singleflight.Group
}

func New(cfg Config, opts ...ConfigOption) *Client {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	return &Client{cfg: cfg}
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) cached() Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

// Instance returns the ready-to-use backend handle, creating it and the
// configured bucket on first call. A failed initialization is not
// retained; the next call starts over.
func (c *Client) Instance(ctx context.Context) (Backend, error) {
	if b := c.cached(); b != nil {
		return b, nil
	}

	ch := c.group.DoChan("instance", func() (any, error) {
		if b := c.cached(); b != nil {
			return b, nil
		}

		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.InitTimeout)
		defer cancel()

		b, err := c.initialize(initCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.backend = b
		c.mu.Unlock()
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Op: "instance", Kind: ErrCanceled, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Backend), nil
	}
}

func (c *Client) initialize(ctx context.Context) (Backend, error) {
	b, err := c.cfg.dial(c.cfg)
	if err != nil {
		return nil, &Error{Op: "instance", Kind: ErrInit, Err: err}
	}

	exists, err := b.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		slog.Error("Failed to check bucket", "bucket", c.cfg.Bucket, "err", err)
		return nil, &Error{Op: "instance", Key: c.cfg.Bucket, Kind: ErrInit, Err: err}
	}
	if exists {
		return b, nil
	}

	slog.Info("Initializing bucket", "bucket", c.cfg.Bucket, "region", c.cfg.Region)
	if err := b.MakeBucket(ctx, c.cfg.Bucket, c.cfg.Region); err != nil {
		if !errors.Is(err, ErrBucketExists) {
			slog.Error("Failed to create bucket", "bucket", c.cfg.Bucket, "err", err)
			return nil, &Error{Op: "instance", Key: c.cfg.Bucket, Kind: ErrInit, Err: err}
		}
		slog.Debug("Bucket created concurrently", "bucket", c.cfg.Bucket)
	}
	return b, nil
}

func (c *Client) objectName(key string) string {
	if c.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.cfg.Prefix, "/") + "/" + key
}

func (c *Client) listPrefix() string {
	if c.cfg.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(c.cfg.Prefix, "/") + "/"
}

func (c *Client) putOptions(originalName, contentType string) PutOptions {
	return PutOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{MetaFileName: encodeFileName(originalName)},
		PartSize:     c.cfg.PartSize,
	}
}

// UploadFile stores the file at sourcePath under key. The source file is
// left in place.
func (c *Client) UploadFile(ctx context.Context, key, originalName, contentType, sourcePath string) (string, error) {
	b, err := c.Instance(ctx)
	if err != nil {
		return "", err
	}

	etag, err := b.PutFile(ctx, c.cfg.Bucket, c.objectName(key), sourcePath, c.putOptions(originalName, contentType))
	if err != nil {
		return "", wrap("upload", key, err)
	}

	slog.Debug("Uploaded object", "key", key, "bucket", c.cfg.Bucket)
	return etag, nil
}

// UploadFileStream stores r under key without knowing its length up front.
func (c *Client) UploadFileStream(ctx context.Context, key, originalName, contentType string, r io.Reader) (string, error) {
	b, err := c.Instance(ctx)
	if err != nil {
		return "", err
	}

	etag, err := b.PutObject(ctx, c.cfg.Bucket, c.objectName(key), r, -1, c.putOptions(originalName, contentType))
	if err != nil {
		return "", wrap("upload", key, err)
	}

	slog.Debug("Uploaded object stream", "key", key, "bucket", c.cfg.Bucket)
	return etag, nil
}

// ListFiles lists every object under the configured prefix.
func (c *Client) ListFiles(ctx context.Context) ([]ObjectInfo, error) {
	b, err := c.Instance(ctx)
	if err != nil {
		return nil, err
	}

	prefix := c.listPrefix()
	objects, err := b.ListObjects(ctx, c.cfg.Bucket, prefix)
	if err != nil {
		return nil, wrap("list", "", err)
	}

	for i := range objects {
		objects[i].Key = strings.TrimPrefix(objects[i].Name, prefix)
	}
	return objects, nil
}

func (c *Client) GetFile(ctx context.Context, key, destPath string) error {
	b, err := c.Instance(ctx)
	if err != nil {
		return err
	}

	if err := b.GetFile(ctx, c.cfg.Bucket, c.objectName(key), destPath); err != nil {
		return wrap("get", key, err)
	}
	return nil
}

// GetFileStream opens the object for reading. The caller must close it.
func (c *Client) GetFileStream(ctx context.Context, key string) (*Object, error) {
	b, err := c.Instance(ctx)
	if err != nil {
		return nil, err
	}

	obj, err := b.GetObject(ctx, c.cfg.Bucket, c.objectName(key))
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return obj, nil
}

func (c *Client) GetFileStat(ctx context.Context, key string) (ObjectStat, error) {
	b, err := c.Instance(ctx)
	if err != nil {
		return ObjectStat{}, err
	}

	stat, err := b.StatObject(ctx, c.cfg.Bucket, c.objectName(key))
	if err != nil {
		return ObjectStat{}, wrap("stat", key, err)
	}
	stat.Key = key
	return stat, nil
}

func (c *Client) DeleteFile(ctx context.Context, key string) error {
	b, err := c.Instance(ctx)
	if err != nil {
		return err
	}

	if err := b.RemoveObject(ctx, c.cfg.Bucket, c.objectName(key)); err != nil {
		return wrap("delete", key, err)
	}
	return nil
}

// removePartial deletes a download target left behind by a failed GetFile.
func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove partial download", "path", path, "err", err)
	}
}
