// Package devstoretest starts throwaway devstore servers for tests.
package devstoretest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"satchel/internal/devstore"

	"github.com/stretchr/testify/require"
)

const (
	AccessKey = "minioadmin"
	SecretKey = "minioadmin"
)

// Start runs a devstore on a random local port for the duration of the
// test and returns its host:port endpoint.
func Start(t testing.TB) string {
	t.Helper()

	srv, err := devstore.NewServer(t.Context(), devstore.Config{DataDir: t.TempDir()})
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return strings.TrimPrefix(httpSrv.URL, "http://")
}
