package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"satchel/internal/tempfile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserver(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	o.Observe(Post, 10*time.Millisecond, 9, nil)
	o.Observe(Post, 5*time.Millisecond, 4, errors.New("boom"))
	o.Observe(Get, time.Millisecond, 12, nil)

	assert.Equal(t, 9.0, testutil.ToFloat64(o.transferred.WithLabelValues("post")))
	assert.Equal(t, 12.0, testutil.ToFloat64(o.transferred.WithLabelValues("get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.errors.WithLabelValues("post")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.errors.WithLabelValues("get")))
	assert.Equal(t, 2, testutil.CollectAndCount(o.duration))
}

func TestPrometheusObserver_ReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	second.Observe(Delete, time.Millisecond, 0, errors.New("boom"))

	assert.Same(t, first.errors, second.errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.errors.WithLabelValues("delete")))
}

func TestNilPrometheusObserver(t *testing.T) {
	t.Parallel()

	var o *PrometheusObserver
	assert.NotPanics(t, func() { o.Observe(List, time.Second, 0, nil) })
}

type recordingObserver struct {
	ops   []Operation
	bytes []int64
	errs  []error
}

func (r *recordingObserver) Observe(op Operation, _ time.Duration, bytes int64, err error) {
	r.ops = append(r.ops, op)
	r.bytes = append(r.bytes, bytes)
	r.errs = append(r.errs, err)
}

type deleteOnlyStore struct {
	Store
	deleted []string
}

func (s *deleteOnlyStore) DeleteFile(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func TestDispatchReportsToObserver(t *testing.T) {
	t.Parallel()

	temp, err := tempfile.New(t.TempDir())
	require.NoError(t, err)

	store := &deleteOnlyStore{}
	rec := &recordingObserver{}
	d := New(store, temp, WithObserver(rec))

	d.Dispatch(deleteRequest("a.txt"), &Options{Op: Delete})
	d.Dispatch(deleteRequest("undefined"), &Options{Op: Delete})
	d.Dispatch(deleteRequest("a.txt"), nil)

	assert.Equal(t, []string{"a.txt"}, store.deleted)
	assert.Equal(t, []Operation{Delete, Delete}, rec.ops)
	assert.NoError(t, rec.errs[0])
	assert.ErrorIs(t, rec.errs[1], ErrFileNameNotSpecified)
}

func deleteRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodDelete, "/files/"+key, nil)
	req.SetPathValue("filename", key)
	return req
}
