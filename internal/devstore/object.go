package devstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// handleObjectPost dispatches POST /bucket/key between the multipart
// create and complete calls.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		notImplemented(w, r, "ObjectPost")
	}
}

func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		notImplemented(w, r, "GetObjectTagging")
	case q.Has("uploadId"):
		notImplemented(w, r, "ListParts")
	default:
		s.handleGetObject(ctx, w, r, bucket, key)
	}
}

func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if q := r.URL.Query(); q.Has("uploadId") {
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
		return
	}
	s.handleDeleteObject(ctx, w, r, bucket, key)
}

// handleObjectPut dispatches PUT /bucket/key between PutObject and
// UploadPart.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	q := r.URL.Query()
	if uploadID := q.Get("uploadId"); uploadID != "" {
		partNum, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNum <= 0 || partNum > 10000 {
			errInvalidPartNumber.write(w, r)
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNum)
		return
	}

	switch {
	case q.Has("tagging"):
		notImplemented(w, r, "PutObjectTagging")
	case r.Header.Get("X-Amz-Copy-Source") != "":
		notImplemented(w, r, "CopyObject")
	default:
		s.handlePutObject(ctx, w, r, bucket, key)
	}
}

// isStreamingPayload reports whether the body uses the aws-chunked
// encoding, signed or not, with or without trailers.
func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-")
}

func decodedLength(r *http.Request) int64 {
	raw := r.Header.Get("X-Amz-Decoded-Content-Length")
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// decodeStreamingPayload decodes an aws-chunked body into dst and returns
// the number of payload bytes written. Chunk signatures and trailers are
// not verified.
func decodeStreamingPayload(dst io.Writer, body io.Reader, decodedLen int64) (int64, error) {
	br := bufio.NewReader(body)
	buf := make([]byte, 32*1024)
	var written int64

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("unexpected EOF while reading chunk header")
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		// The final chunk is followed only by optional trailers.
		if size == 0 {
			break
		}

		n, err := io.CopyBuffer(dst, &io.LimitedReader{R: br, N: size}, buf)
		if err != nil {
			return 0, fmt.Errorf("read chunk body: %w", err)
		}
		if n != size {
			return 0, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d", size, n)
		}
		written += n

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return 0, fmt.Errorf("read chunk terminator: %w", err)
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return 0, fmt.Errorf("expected CRLF after chunk, got %q", crlf)
		}
	}

	if decodedLen >= 0 && written != decodedLen {
		slog.Debug("Decoded streaming payload length mismatch", "expected", decodedLen, "actual", written)
	}
	return written, nil
}

type spooled struct {
	path    string
	size    int64
	hashHex string
}

// spoolBody writes the request payload to a new file under dir while
// computing its SHA-256 hash. The caller owns the returned file.
func (s *Server) spoolBody(r *http.Request, dir string, pattern string) (spooled, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return spooled{}, err
	}

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return spooled{}, err
	}

	h := sha256.New()
	dst := io.MultiWriter(f, h)

	var size int64
	if isStreamingPayload(r) {
		size, err = decodeStreamingPayload(dst, r.Body, decodedLength(r))
	} else {
		size, err = io.Copy(dst, r.Body)
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return spooled{}, err
	}

	return spooled{path: f.Name(), size: size, hashHex: hex.EncodeToString(h.Sum(nil))}, nil
}

// upsertObjectMetadata inserts or updates an object's metadata row and
// returns the hash of the payload it replaced, if any.
func upsertObjectMetadata(ctx context.Context, tx *sql.Tx, bucket, key, hashHex string, size int64, contentType string, metadata string, now time.Time) (string, error) {
	var previous string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects(bucket, key, hash, size, content_type, metadata, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	hash=excluded.hash,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	metadata=excluded.metadata,
		 	modified_at=excluded.modified_at`,
		bucket, key, hashHex, size, contentType, metadata, now, now,
	)
	if err != nil {
		return "", err
	}

	if previous == hashHex {
		return "", nil
	}
	return previous, nil
}

// collectPayload removes a payload file once no object references it.
func (s *Server) collectPayload(ctx context.Context, bucket string, hashHex string) {
	if hashHex == "" {
		return
	}

	var refs int
	if err := s.Db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND hash = ?`, bucket, hashHex).Scan(&refs); err != nil {
		slog.Warn("Count payload references", "bucket", bucket, "hash", hashHex, "err", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := s.payloads.remove(bucket, hashHex); err != nil {
		slog.Warn("Remove unreferenced payload", "bucket", bucket, "hash", hashHex, "err", err)
	}
}

// storeObject moves a spooled payload into place and records its metadata.
func (s *Server) storeObject(ctx context.Context, bucket, key string, payload spooled, contentType string, meta map[string]string, after func(tx *sql.Tx) error) error {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	if err := s.payloads.putFromFile(bucket, payload.hashHex, payload.path); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}

	var replaced string
	err = inTx(ctx, s.Db, func(tx *sql.Tx) error {
		var err error
		replaced, err = upsertObjectMetadata(ctx, tx, bucket, key, payload.hashHex, payload.size, contentTypeOrDefault(contentType), encoded, time.Now().UTC())
		if err != nil {
			return err
		}
		if after != nil {
			return after(tx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.collectPayload(ctx, bucket, replaced)
	return nil
}

func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	defer r.Body.Close()

	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	payload, err := s.spoolBody(r, s.uploadsDir(), "upload-*")
	if err != nil {
		slog.Error("Read object payload", "bucket", bucket, "key", key, "err", err)
		errUnreadableBody.write(w, r)
		return
	}
	defer func() {
		// Already moved into place unless storing failed.
		if err := os.Remove(payload.path); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", payload.path, "err", err)
		}
	}()

	if err := s.storeObject(ctx, bucket, key, payload, r.Header.Get("Content-Type"), userMetadata(r.Header), nil); err != nil {
		slog.Error("Store object", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}

	w.Header().Set("ETag", quoteETag(payload.hashHex))
	w.WriteHeader(http.StatusOK)
}

type objectRecord struct {
	hashHex     string
	size        int64
	contentType sql.NullString
	metadata    map[string]string
	modifiedAt  time.Time
}

func (s *Server) lookupObject(ctx context.Context, bucket, key string) (objectRecord, error) {
	var (
		rec  objectRecord
		meta string
	)
	err := s.Db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, metadata, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&rec.hashHex, &rec.size, &rec.contentType, &meta, &rec.modifiedAt)
	if err != nil {
		return objectRecord{}, err
	}
	rec.metadata = decodeMetadata(meta)
	return rec, nil
}

// lookupObjectOrError writes NoSuchBucket / NoSuchKey as appropriate.
func (s *Server) lookupObjectOrError(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string) (objectRecord, bool) {
	rec, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		if exists, berr := s.bucketExists(ctx, bucket); berr == nil && !exists {
			errNoSuchBucket.write(w, r)
		} else {
			errNoSuchKey.write(w, r)
		}
		return objectRecord{}, false
	}
	if err != nil {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return objectRecord{}, false
	}
	return rec, true
}

func writeObjectHeaders(w http.ResponseWriter, rec objectRecord) {
	h := w.Header()
	if rec.contentType.Valid && rec.contentType.String != "" {
		h.Set("Content-Type", rec.contentType.String)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("Last-Modified", rec.modifiedAt.UTC().Format(http.TimeFormat))
	h.Set("ETag", quoteETag(rec.hashHex))
	h.Set("Accept-Ranges", "bytes")
	for name, value := range rec.metadata {
		h.Set(metaPrefix+name, value)
	}
}

// handleObjectHead returns the object's metadata headers without a body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	rec, ok := s.lookupObjectOrError(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	writeObjectHeaders(w, rec)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	rec, ok := s.lookupObjectOrError(ctx, w, r, bucket, key)
	if !ok {
		return
	}

	f, err := s.payloads.open(bucket, rec.hashHex)
	if err != nil {
		slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}
	defer f.Close()

	writeObjectHeaders(w, rec)
	// ServeContent handles Range and conditional requests.
	http.ServeContent(w, r, "", rec.modifiedAt, f)
}

// handleDeleteObject removes the object. Deleting a missing key succeeds.
func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	var hashHex string
	err := s.Db.QueryRowContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ? RETURNING hash`, bucket, key).Scan(&hashHex)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("Delete object metadata", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}

	s.collectPayload(ctx, bucket, hashHex)
	w.WriteHeader(http.StatusNoContent)
}
