package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"satchel/internal/config"
	"satchel/internal/devstore/devstoretest"
	"satchel/internal/objstore"
	"satchel/internal/tempfile"
	"satchel/internal/upload"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	temp *tempfile.Dir
}

func newTestServer(t *testing.T, corsCfg config.CORSConfig) *testServer {
	t.Helper()

	client := objstore.New(objstore.Config{
		Endpoint:  devstoretest.Start(t),
		AccessKey: devstoretest.AccessKey,
		SecretKey: devstoretest.SecretKey,
		Bucket:    "satchel-cmd",
		Prefix:    "uploads",
	})

	temp, err := tempfile.New(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	observer, err := upload.NewPrometheusObserver("satchel", reg)
	require.NoError(t, err)

	d := upload.New(client, temp, upload.WithKeyFunc(fileKey), upload.WithObserver(observer))
	srv := httptest.NewServer(newRouter(d, temp, corsCfg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, temp: temp}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) upload(t *testing.T, path, filename, content string) upload.PostResult {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, body := s.do(t, http.MethodPost, path, &buf, w.FormDataContentType())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var result upload.PostResult
	require.NoError(t, json.Unmarshal(body, &result))
	return result
}

func TestRouter_FileLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.CORSConfig{})

	posted := srv.upload(t, "/files", "report.csv", "a,b\n1,2\n")
	streamed := srv.upload(t, "/files/stream", "notes.txt", "streamed body")

	resp, body := srv.do(t, http.MethodGet, "/files", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files []objstore.ObjectInfo
	require.NoError(t, json.Unmarshal(body, &files))
	assert.Len(t, files, 2)

	resp, body = srv.do(t, http.MethodGet, "/files/"+posted.Filename, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a,b\n1,2\n", string(body))
	assert.Equal(t, `attachment; filename=report.csv`, resp.Header.Get("Content-Disposition"))

	resp, body = srv.do(t, http.MethodGet, "/files/"+streamed.Filename+"/stream", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streamed body", string(body))
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))
	assert.Equal(t, `attachment; filename=notes.txt`, resp.Header.Get("Content-Disposition"))

	resp, body = srv.do(t, http.MethodDelete, "/files/"+posted.Filename, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"Success"}`, string(body))

	resp, body = srv.do(t, http.MethodGet, "/files/"+posted.Filename, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	resp, _ = srv.do(t, http.MethodGet, "/files/"+posted.Filename+"/stream", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(srv.temp.Root())
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = srv.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `satchel_operation_duration_seconds_count{operation="post"} 1`)
	assert.Contains(t, string(body), `satchel_operation_errors_total{operation="get"} 1`)
}

func TestRouter_ValidationErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.CORSConfig{})

	resp, body := srv.do(t, http.MethodPost, "/files", bytes.NewBufferString("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"No file attached to post"}`, string(body))

	resp, body = srv.do(t, http.MethodDelete, "/files/undefined", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"File name not specified"}`, string(body))
}

func TestRouter_CORS(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, srv.URL+"/files", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{&objstore.Error{Op: "stat", Kind: objstore.ErrNotFound}, http.StatusNotFound},
		{&objstore.Error{Op: "list", Kind: objstore.ErrBucketNotFound}, http.StatusNotFound},
		{&objstore.Error{Op: "get", Kind: objstore.ErrCanceled, Err: context.Canceled}, http.StatusRequestTimeout},
		{upload.ErrNoFile, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", upload.ErrFileNameNotSpecified), http.StatusBadRequest},
		{upload.ErrOptionsNotProvided, http.StatusBadRequest},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRespondJSON_WithoutOutcome(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	respondJSON(rec, httptest.NewRequest(http.MethodGet, "/files", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
