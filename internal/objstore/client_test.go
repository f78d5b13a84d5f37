package objstore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"satchel/internal/objstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data []byte
	opts objstore.PutOptions
}

// fakeBackend is an in-memory Backend that counts bucket calls and can
// hold BucketExists until gate is closed.
type fakeBackend struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]fakeObject

	gate      chan struct{}
	existsErr error
	makeErr   error

	existsCalls atomic.Int32
	makeCalls   atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		buckets: make(map[string]bool),
		objects: make(map[string]fakeObject),
	}
}

func (f *fakeBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.existsCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if f.existsErr != nil {
		return false, f.existsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeBackend) MakeBucket(_ context.Context, bucket string, _ string) error {
	f.makeCalls.Add(1)
	if f.makeErr != nil {
		return f.makeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeBackend) PutFile(ctx context.Context, bucket string, key string, path string, opts objstore.PutOptions) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return f.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
}

func (f *fakeBackend) PutObject(_ context.Context, bucket string, key string, r io.Reader, _ int64, opts objstore.PutOptions) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = fakeObject{data: data, opts: opts}
	return fmt.Sprintf("etag-%d", len(data)), nil
}

func (f *fakeBackend) lookup(bucket, key string) (fakeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	if !ok {
		return fakeObject{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, key)
	}
	return obj, nil
}

func (f *fakeBackend) GetFile(_ context.Context, bucket string, key string, dest string) error {
	obj, err := f.lookup(bucket, key)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, obj.data, 0o600)
}

func (f *fakeBackend) GetObject(_ context.Context, bucket string, key string) (*objstore.Object, error) {
	obj, err := f.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return &objstore.Object{
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
		Size:        int64(len(obj.data)),
		ContentType: obj.opts.ContentType,
	}, nil
}

func (f *fakeBackend) StatObject(_ context.Context, bucket string, key string) (objstore.ObjectStat, error) {
	obj, err := f.lookup(bucket, key)
	if err != nil {
		return objstore.ObjectStat{}, err
	}
	return objstore.ObjectStat{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.opts.ContentType,
		Metadata:    obj.opts.UserMetadata,
	}, nil
}

func (f *fakeBackend) ListObjects(_ context.Context, bucket string, prefix string) ([]objstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []objstore.ObjectInfo
	for name, obj := range f.objects {
		key, ok := strings.CutPrefix(name, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, objstore.ObjectInfo{Name: key, Size: int64(len(obj.data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeBackend) RemoveObject(_ context.Context, bucket string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

// countingDialer hands out backend and counts how often it was asked to.
type countingDialer struct {
	backend objstore.Backend
	calls   atomic.Int32
	fail    atomic.Int32
}

func (d *countingDialer) dial(objstore.Config) (objstore.Backend, error) {
	d.calls.Add(1)
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, errors.New("connection refused")
	}
	return d.backend, nil
}

func newTestClient(t *testing.T, backend objstore.Backend, opts ...objstore.ConfigOption) (*objstore.Client, *countingDialer) {
	t.Helper()

	dialer := &countingDialer{backend: backend}
	opts = append([]objstore.ConfigOption{objstore.WithDialer(dialer.dial)}, opts...)
	return objstore.New(objstore.Config{Bucket: "test-bucket"}, opts...), dialer
}

func TestInstanceConcurrentCallersShareInit(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	client, dialer := newTestClient(t, backend)

	const callers = 32
	handles := make([]objstore.Backend, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = client.Instance(t.Context())
		}()
	}

	// Give the callers a chance to pile up behind the first one.
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, int32(1), dialer.calls.Load(), "dial count")
	assert.Equal(t, int32(1), backend.existsCalls.Load(), "bucket exists count")
	assert.Equal(t, int32(1), backend.makeCalls.Load(), "make bucket count")
}

func TestInstanceIsCachedAfterSuccess(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	client, dialer := newTestClient(t, backend)

	first, err := client.Instance(t.Context())
	require.NoError(t, err)

	second, err := client.Instance(t.Context())
	require.NoError(t, err)

	require.Same(t, first, second)
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, int32(1), backend.existsCalls.Load(), "ready handle must not re-check the bucket")
}

func TestInstanceExistingBucketIsNotCreated(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.buckets["test-bucket"] = true
	client, _ := newTestClient(t, backend)

	_, err := client.Instance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(0), backend.makeCalls.Load())
}

func TestInstanceFailureIsNotCached(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	client, dialer := newTestClient(t, backend)
	dialer.fail.Store(1)

	_, err := client.Instance(t.Context())
	require.Error(t, err)
	require.ErrorIs(t, err, objstore.ErrInit)

	var storeErr *objstore.Error
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "instance", storeErr.Op)

	handle, err := client.Instance(t.Context())
	require.NoError(t, err, "retry after failure")
	require.Same(t, objstore.Backend(backend), handle)
	assert.Equal(t, int32(2), dialer.calls.Load())
}

func TestInstanceBucketCheckFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.existsErr = errors.New("access denied")
	client, _ := newTestClient(t, backend)

	_, err := client.Instance(t.Context())
	require.ErrorIs(t, err, objstore.ErrInit)
	assert.Equal(t, int32(0), backend.makeCalls.Load())

	backend.existsErr = nil
	_, err = client.Instance(t.Context())
	require.NoError(t, err)
}

func TestInstanceMakeBucketFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.makeErr = errors.New("quota exceeded")
	client, _ := newTestClient(t, backend)

	_, err := client.Instance(t.Context())
	require.ErrorIs(t, err, objstore.ErrInit)
	require.ErrorContains(t, err, "quota exceeded")
}

func TestInstanceBucketAlreadyExistsIsSuccess(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"BucketAlreadyExists", "BucketAlreadyOwnedByYou"} {
		t.Run(code, func(t *testing.T) {
			t.Parallel()

			backend := newFakeBackend()
			backend.makeErr = fmt.Errorf("%w: %s", objstore.ErrBucketExists, code)
			client, _ := newTestClient(t, backend)

			_, err := client.Instance(t.Context())
			require.NoError(t, err)
			assert.Equal(t, int32(1), backend.makeCalls.Load())
		})
	}
}

func TestInstanceCanceledWaiter(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	client, dialer := newTestClient(t, backend)

	ctx, cancel := context.WithCancel(t.Context())
	canceled := make(chan error, 1)
	go func() {
		_, err := client.Instance(ctx)
		canceled <- err
	}()

	// Wait for the shared init to be blocked on the bucket check.
	require.Eventually(t, func() bool { return backend.existsCalls.Load() == 1 }, time.Second, time.Millisecond)

	waiter := make(chan error, 1)
	go func() {
		_, err := client.Instance(t.Context())
		waiter <- err
	}()

	cancel()
	err := <-canceled
	require.ErrorIs(t, err, objstore.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)

	close(backend.gate)
	require.NoError(t, <-waiter, "init continues for the remaining callers")
	assert.Equal(t, int32(1), dialer.calls.Load())
}

func TestOperationsUsePrefix(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, objstore.WithPrefix("uploads"))

	etag, err := client.UploadFileStream(ctx, "a.txt", "report.txt", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "etag-5", etag)

	obj, err := backend.lookup("test-bucket", "uploads/a.txt")
	require.NoError(t, err, "object stored under the prefix")
	require.Equal(t, "text/plain", obj.opts.ContentType)
	require.Equal(t, uint64(objstore.DefaultPartSize), obj.opts.PartSize)

	files, err := client.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "uploads/a.txt", files[0].Name)
	require.Equal(t, "a.txt", files[0].Key)

	stat, err := client.GetFileStat(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "a.txt", stat.Key)
	name, ok := stat.OriginalName()
	require.True(t, ok)
	require.Equal(t, "report.txt", name)

	require.NoError(t, client.DeleteFile(ctx, "a.txt"))
	_, err = client.GetFileStat(ctx, "a.txt")
	require.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestUploadFileLeavesSource(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	client, _ := newTestClient(t, backend)

	src := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	_, err := client.UploadFile(t.Context(), "k.bin", "source.bin", "application/octet-stream", src)
	require.NoError(t, err)

	_, err = os.Stat(src)
	require.NoError(t, err, "source file must remain")
}

func TestErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	client, _ := newTestClient(t, backend)

	err := client.GetFile(t.Context(), "missing", filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, objstore.ErrNotFound)

	var storeErr *objstore.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "get", storeErr.Op)
	assert.Equal(t, "missing", storeErr.Key)
	assert.Equal(t, objstore.ErrNotFound, storeErr.Kind)
}

func TestOriginalName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		meta   map[string]string
		want   string
		wantOK bool
	}{
		{name: "lower case key", meta: map[string]string{"file-name": "cmVwb3J0LnBkZg=="}, want: "report.pdf", wantOK: true},
		{name: "canonical key", meta: map[string]string{"File-Name": "cmVwb3J0LnBkZg=="}, want: "report.pdf", wantOK: true},
		{name: "missing", meta: map[string]string{}, wantOK: false},
		{name: "not base64", meta: map[string]string{"file-name": "%%%"}, wantOK: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := objstore.ObjectStat{Metadata: tc.meta}.OriginalName()
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
