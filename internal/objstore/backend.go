package objstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MetaFileName is the user metadata key holding the base64 encoded
	// original file name. Metadata values are restricted to header safe
	// characters, hence the encoding.
	MetaFileName = "file-name"
)

// Backend is the raw object store capability. Implementations map their
// native errors onto ErrNotFound, ErrBucketNotFound and ErrBucketExists.
type Backend interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, region string) error
	PutFile(ctx context.Context, bucket string, key string, path string, opts PutOptions) (string, error)
	// PutObject uploads r. A negative size means the length is unknown.
	PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, opts PutOptions) (string, error)
	GetFile(ctx context.Context, bucket string, key string, dest string) error
	GetObject(ctx context.Context, bucket string, key string) (*Object, error)
	StatObject(ctx context.Context, bucket string, key string) (ObjectStat, error)
	ListObjects(ctx context.Context, bucket string, prefix string) ([]ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket string, key string) error
}

// Dialer constructs a Backend handle from configuration.
type Dialer func(cfg Config) (Backend, error)

// Dial constructs the backend selected by cfg.Driver.
func Dial(cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", DriverMinio:
		return newMinioBackend(cfg)
	case DriverAWS:
		return newAWSBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type PutOptions struct {
	ContentType  string
	UserMetadata map[string]string
	PartSize     uint64
}

// ObjectInfo is a single entry of a listing.
type ObjectInfo struct {
	// Name is the full object name including the prefix.
	Name string `json:"name"`
	// Key is Name with the configured prefix removed.
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"lastModified"`
}

// ObjectStat is the metadata of a stored object.
type ObjectStat struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Meta looks up a user metadata value case-insensitively.
func (s ObjectStat) Meta(name string) (string, bool) {
	for k, v := range s.Metadata {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// OriginalName decodes the original file name stored at upload time.
func (s ObjectStat) OriginalName() (string, bool) {
	encoded, ok := s.Meta(MetaFileName)
	if !ok || encoded == "" {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// Object is a live download stream.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ETag        string
}

func (o *Object) Read(p []byte) (int, error) {
	return o.Body.Read(p)
}

func (o *Object) Close() error {
	return o.Body.Close()
}

func encodeFileName(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}
