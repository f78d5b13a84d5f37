package upload

import (
	"context"
	"io"

	"satchel/internal/objstore"
)

// Outcome is the result of dispatching one request. Either Err is set or
// the payload field matching Op is.
type Outcome struct {
	Op  Operation
	Err error

	Post   *PostResult
	List   []objstore.ObjectInfo
	Get    *GetResult
	Delete string
}

type PostResult struct {
	Filename string `json:"filename"`
	ETag     string `json:"etag"`
}

// GetResult describes a downloaded object. Path is set for Get and Stream
// for GetStream; the consumer is responsible for removing Path or closing
// Stream.
type GetResult struct {
	Path          string        `json:"path,omitempty"`
	Stream        io.ReadCloser `json:"-"`
	OriginalName  string        `json:"originalName"`
	ContentType   string        `json:"contentType"`
	ContentLength int64         `json:"contentLength"`
}

type outcomeKey struct{}

func WithOutcome(ctx context.Context, outcome *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, outcome)
}

func FromContext(ctx context.Context) (*Outcome, bool) {
	outcome, ok := ctx.Value(outcomeKey{}).(*Outcome)
	return outcome, ok && outcome != nil
}
