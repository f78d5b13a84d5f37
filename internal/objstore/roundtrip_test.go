package objstore_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"satchel/internal/devstore/devstoretest"
	"satchel/internal/objstore"

	"github.com/stretchr/testify/require"
)

func devstoreConfig(t *testing.T, driver string) objstore.Config {
	t.Helper()

	return objstore.Config{
		Driver:    driver,
		Endpoint:  devstoretest.Start(t),
		AccessKey: devstoretest.AccessKey,
		SecretKey: devstoretest.SecretKey,
		Region:    objstore.DefaultRegion,
		Bucket:    "satchel-test",
		Prefix:    "uploads",
	}
}

// exerciseRoundTrip uploads, inspects, downloads and deletes an object
// through every Client operation.
func exerciseRoundTrip(t *testing.T, client *objstore.Client) {
	t.Helper()
	ctx := t.Context()

	src := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(src, []byte("some text"), 0o600))

	etag, err := client.UploadFile(ctx, "file-key.txt", "original-file-name", "text/plain", src)
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	stat, err := client.GetFileStat(ctx, "file-key.txt")
	require.NoError(t, err)
	require.Equal(t, "text/plain", stat.ContentType)
	require.Equal(t, int64(9), stat.Size)
	name, ok := stat.OriginalName()
	require.True(t, ok)
	require.Equal(t, "original-file-name", name)

	files, err := client.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "uploads/file-key.txt", files[0].Name)
	require.Equal(t, "file-key.txt", files[0].Key)
	require.Equal(t, int64(9), files[0].Size)

	dest := filepath.Join(t.TempDir(), "download.txt")
	require.NoError(t, client.GetFile(ctx, "file-key.txt", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "some text", string(got))

	obj, err := client.GetFileStream(ctx, "file-key.txt")
	require.NoError(t, err)
	require.Equal(t, int64(9), obj.Size)
	body, err := io.ReadAll(obj)
	require.NoError(t, obj.Close())
	require.NoError(t, err)
	require.Equal(t, "some text", string(body))

	_, err = client.UploadFileStream(ctx, "streamed.txt", "streamed name.txt", "text/markdown", strings.NewReader("# streamed"))
	require.NoError(t, err)

	stat, err = client.GetFileStat(ctx, "streamed.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len("# streamed")), stat.Size)
	require.Equal(t, "text/markdown", stat.ContentType)
	name, _ = stat.OriginalName()
	require.Equal(t, "streamed name.txt", name)

	require.NoError(t, client.DeleteFile(ctx, "file-key.txt"))
	require.NoError(t, client.DeleteFile(ctx, "streamed.txt"))

	_, err = client.GetFileStat(ctx, "file-key.txt")
	require.ErrorIs(t, err, objstore.ErrNotFound)

	_, err = client.GetFileStream(ctx, "file-key.txt")
	require.ErrorIs(t, err, objstore.ErrNotFound)

	err = client.GetFile(ctx, "file-key.txt", filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorIs(t, err, objstore.ErrNotFound)

	files, err = client.ListFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestMinioBackendRoundTrip(t *testing.T) {
	t.Parallel()

	client := objstore.New(devstoreConfig(t, objstore.DriverMinio))
	exerciseRoundTrip(t, client)
}

func TestAWSBackendRoundTrip(t *testing.T) {
	t.Parallel()

	client := objstore.New(devstoreConfig(t, objstore.DriverAWS))
	exerciseRoundTrip(t, client)
}

func TestInstanceCreatesBucketOnce(t *testing.T) {
	t.Parallel()

	cfg := devstoreConfig(t, objstore.DriverMinio)

	// Two clients against the same store: the second finds the bucket
	// already there.
	first := objstore.New(cfg)
	_, err := first.Instance(t.Context())
	require.NoError(t, err)

	second := objstore.New(cfg)
	_, err = second.Instance(t.Context())
	require.NoError(t, err)

	backend, err := objstore.Dial(cfg)
	require.NoError(t, err)
	exists, err := backend.BucketExists(t.Context(), cfg.Bucket)
	require.NoError(t, err)
	require.True(t, exists)

	err = backend.MakeBucket(t.Context(), cfg.Bucket, objstore.DefaultRegion)
	require.ErrorIs(t, err, objstore.ErrBucketExists)
}

func TestDialUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := objstore.Dial(objstore.Config{Driver: "ftp"})
	require.ErrorContains(t, err, "unknown store driver")
}
