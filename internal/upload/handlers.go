package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path"

	"satchel/internal/objstore"
)

const placeholderKey = "undefined"

func partContentType(h interface{ Get(string) string }) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// objectKey builds a fresh key keeping the original extension.
func (d *Dispatcher) objectKey(originalName string) string {
	return d.newKey() + path.Ext(originalName)
}

func (d *Dispatcher) handlePost(r *http.Request) (*PostResult, int64, error) {
	if err := r.ParseMultipartForm(d.maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, 0, ErrNoFile
		}
		return nil, 0, fmt.Errorf("parse multipart form: %w", err)
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Failed to remove multipart form files", "err", err)
		}
	}()

	file, header, err := r.FormFile(d.fileField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, 0, ErrNoFile
		}
		return nil, 0, fmt.Errorf("read form file: %w", err)
	}
	defer file.Close()

	spool, err := d.spool(file, header.Filename)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := d.temp.Remove(spool); err != nil {
			slog.Warn("Failed to remove spooled upload", "path", spool, "err", err)
		}
	}()

	key := d.objectKey(header.Filename)
	etag, err := d.store.UploadFile(r.Context(), key, header.Filename, partContentType(header.Header), spool)
	if err != nil {
		return nil, 0, err
	}
	return &PostResult{Filename: key, ETag: etag}, header.Size, nil
}

// spool copies an uploaded part into the temp directory.
func (d *Dispatcher) spool(src io.Reader, name string) (string, error) {
	dest := d.temp.Path(name)
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}

	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.temp.Remove(dest)
		return "", fmt.Errorf("spool upload: %w", err)
	}
	return dest, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// drain discards every remaining part of the form.
func drain(mr *multipart.Reader) error {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = io.Copy(io.Discard, part)
		_ = part.Close()
		if err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handlePostStream(r *http.Request) (*PostResult, int64, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, 0, ErrNoFile
		}
		return nil, 0, fmt.Errorf("read multipart body: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, 0, ErrNoFile
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read multipart part: %w", err)
		}

		if part.FormName() != d.fileField || part.FileName() == "" {
			_, err := io.Copy(io.Discard, part)
			_ = part.Close()
			if err != nil {
				return nil, 0, fmt.Errorf("discard multipart part: %w", err)
			}
			continue
		}

		name := part.FileName()
		key := d.objectKey(name)
		body := &countingReader{r: part}

		etag, err := d.store.UploadFileStream(r.Context(), key, name, partContentType(part.Header), body)
		_ = part.Close()
		if err != nil {
			return nil, body.n, err
		}

		if err := drain(mr); err != nil {
			slog.Warn("Failed to drain trailing multipart parts", "err", err)
		}
		return &PostResult{Filename: key, ETag: etag}, body.n, nil
	}
}

func (d *Dispatcher) handleList(r *http.Request) ([]objstore.ObjectInfo, error) {
	files, err := d.store.ListFiles(r.Context())
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []objstore.ObjectInfo{}
	}
	return files, nil
}

func originalName(stat objstore.ObjectStat, key string) string {
	if name, ok := stat.OriginalName(); ok {
		return name
	}
	return key
}

func (d *Dispatcher) handleGet(r *http.Request) (*GetResult, error) {
	ctx := r.Context()
	key := d.key(r)

	stat, err := d.store.GetFileStat(ctx, key)
	if err != nil {
		return nil, err
	}

	dest := d.temp.Path(key)
	if err := d.store.GetFile(ctx, key, dest); err != nil {
		if rerr := d.temp.Remove(dest); rerr != nil {
			slog.Warn("Failed to remove partial download", "path", dest, "err", rerr)
		}
		return nil, err
	}

	return &GetResult{
		Path:          dest,
		OriginalName:  originalName(stat, key),
		ContentType:   stat.ContentType,
		ContentLength: stat.Size,
	}, nil
}

func (d *Dispatcher) handleGetStream(r *http.Request) (*GetResult, error) {
	ctx := r.Context()
	key := d.key(r)

	stat, err := d.store.GetFileStat(ctx, key)
	if err != nil {
		return nil, err
	}

	obj, err := d.store.GetFileStream(ctx, key)
	if err != nil {
		return nil, err
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = stat.ContentType
	}

	return &GetResult{
		Stream:        obj,
		OriginalName:  originalName(stat, key),
		ContentType:   contentType,
		ContentLength: obj.Size,
	}, nil
}

func (d *Dispatcher) handleDelete(r *http.Request) (string, error) {
	key := d.key(r)
	if key == "" || key == placeholderKey {
		return "", ErrFileNameNotSpecified
	}

	if err := d.store.DeleteFile(r.Context(), key); err != nil {
		return "", err
	}
	return "Success", nil
}
