package objstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrCanceled       = errors.New("operation canceled")
	ErrInit           = errors.New("store initialization failed")
)

// Error describes a failed store operation. It unwraps to both its Kind
// (one of the sentinel errors above, if known) and the underlying cause.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// wrap annotates err with the operation and key. Backends return errors
// already matched against the sentinel kinds; wrap only promotes context
// cancellation to ErrCanceled.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *Error
	if errors.As(err, &storeErr) && storeErr.Op == op {
		return err
	}

	e := &Error{Op: op, Key: key, Err: err}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrCanceled):
		e.Kind = ErrCanceled
	case errors.Is(err, ErrNotFound):
		e.Kind = ErrNotFound
	case errors.Is(err, ErrBucketNotFound):
		e.Kind = ErrBucketNotFound
	case errors.Is(err, ErrBucketExists):
		e.Kind = ErrBucketExists
	case errors.Is(err, ErrInit):
		e.Kind = ErrInit
	}
	return e
}

// kindError tags a backend error with one of the sentinel kinds while
// keeping the original error in the chain.
func kindError(kind error, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
