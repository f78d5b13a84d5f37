// Package upload dispatches file upload, download, listing and deletion
// requests to an object store and attaches the result to the request
// context for a downstream handler.
package upload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"satchel/internal/objstore"
	"satchel/internal/tempfile"

	"github.com/google/uuid"
)

const (
	DefaultFileField = "file"
	DefaultMaxMemory = 32 << 20
)

// Store is the set of object store operations the dispatcher relies on.
// *objstore.Client implements it.
type Store interface {
	UploadFile(ctx context.Context, key, originalName, contentType, sourcePath string) (string, error)
	UploadFileStream(ctx context.Context, key, originalName, contentType string, r io.Reader) (string, error)
	ListFiles(ctx context.Context) ([]objstore.ObjectInfo, error)
	GetFile(ctx context.Context, key, destPath string) error
	GetFileStream(ctx context.Context, key string) (*objstore.Object, error)
	GetFileStat(ctx context.Context, key string) (objstore.ObjectStat, error)
	DeleteFile(ctx context.Context, key string) error
}

// Options selects the operation a Middleware instance performs.
type Options struct {
	Op Operation
}

type Dispatcher struct {
	store  Store
	temp   *tempfile.Dir
	key    func(*http.Request) string
	newKey func() string

	fileField string
	maxMemory int64
	observer  Observer
}

type Option func(*Dispatcher)

// WithKeyFunc sets how the object key is read from a request.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(d *Dispatcher) {
		d.key = fn
	}
}

// WithFileField sets the multipart field carrying the uploaded file.
func WithFileField(name string) Option {
	return func(d *Dispatcher) {
		d.fileField = name
	}
}

// WithMaxMemory bounds how much of a multipart form is held in memory
// before parts spill to disk.
func WithMaxMemory(n int64) Option {
	return func(d *Dispatcher) {
		d.maxMemory = n
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithKeyGenerator replaces the generator of new object key base names.
func WithKeyGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		d.newKey = fn
	}
}

func New(store Store, temp *tempfile.Dir, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		temp:      temp,
		key:       func(r *http.Request) string { return r.PathValue("filename") },
		newKey:    uuid.NewString,
		fileField: DefaultFileField,
		maxMemory: DefaultMaxMemory,
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Middleware dispatches each request with opts and then calls next exactly
// once with the Outcome attached to the request context.
func (d *Dispatcher) Middleware(opts *Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := d.Dispatch(r, opts)
			next.ServeHTTP(w, r.WithContext(WithOutcome(r.Context(), outcome)))
		})
	}
}

func validityCheck(opts *Options) error {
	if opts == nil {
		return ErrOptionsNotProvided
	}
	if !opts.Op.Valid() {
		return ErrOperationNotSupported
	}
	return nil
}

// Dispatch performs the operation selected by opts. It never panics on
// store failures; every error is reported through the returned Outcome.
func (d *Dispatcher) Dispatch(r *http.Request, opts *Options) *Outcome {
	if err := validityCheck(opts); err != nil {
		outcome := &Outcome{Err: err}
		if opts != nil {
			outcome.Op = opts.Op
		}
		slog.Warn("Rejected request", "err", err)
		return outcome
	}

	outcome := &Outcome{Op: opts.Op}
	start := time.Now()

	var transferred int64
	switch opts.Op {
	case Post:
		outcome.Post, transferred, outcome.Err = d.handlePost(r)
	case PostStream:
		outcome.Post, transferred, outcome.Err = d.handlePostStream(r)
	case List:
		outcome.List, outcome.Err = d.handleList(r)
	case Get:
		outcome.Get, outcome.Err = d.handleGet(r)
	case GetStream:
		outcome.Get, outcome.Err = d.handleGetStream(r)
	case Delete:
		outcome.Delete, outcome.Err = d.handleDelete(r)
	}

	if outcome.Get != nil {
		transferred = outcome.Get.ContentLength
	}
	d.observer.Observe(opts.Op, time.Since(start), transferred, outcome.Err)

	if outcome.Err != nil {
		outcome.Post, outcome.List, outcome.Get, outcome.Delete = nil, nil, nil, ""
		if IsValidation(outcome.Err) {
			slog.Warn("Rejected request", "op", opts.Op, "err", outcome.Err)
		} else {
			slog.Error("Dispatch failed", "op", opts.Op, "err", outcome.Err)
		}
	}
	return outcome
}
