package devstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type multipartUpload struct {
	id          string
	bucket      string
	key         string
	contentType string
	metadata    map[string]string
}

func partPath(uploadDir string, partNumber int) string {
	return filepath.Join(uploadDir, fmt.Sprintf("part-%06d", partNumber))
}

func (s *Server) lookupUpload(ctx context.Context, bucket, key, uploadID string) (multipartUpload, error) {
	var (
		up          = multipartUpload{id: uploadID}
		contentType sql.NullString
		meta        string
	)
	err := s.Db.QueryRowContext(ctx,
		`SELECT bucket, key, content_type, metadata FROM uploads WHERE id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key,
	).Scan(&up.bucket, &up.key, &contentType, &meta)
	if err != nil {
		return multipartUpload{}, err
	}
	up.contentType = contentType.String
	up.metadata = decodeMetadata(meta)
	return up, nil
}

// lookupUploadOrError writes NoSuchUpload if the upload is unknown.
func (s *Server) lookupUploadOrError(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) (multipartUpload, bool) {
	up, err := s.lookupUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		errNoSuchUpload.write(w, r)
		return multipartUpload{}, false
	}
	if err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		errInternal.write(w, r)
		return multipartUpload{}, false
	}
	return up, true
}

// handleCreateMultipartUpload implements POST /bucket/key?uploads. The
// content type and user metadata of the final object are fixed here.
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	uploadID := uuid.NewString()
	uploadDir := filepath.Join(s.uploadsDir(), uploadID)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		slog.Error("Create multipart upload dir", "path", uploadDir, "err", err)
		errInternal.write(w, r)
		return
	}

	meta, err := encodeMetadata(userMetadata(r.Header))
	if err != nil {
		slog.Error("Encode multipart metadata", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}

	_, err = s.Db.ExecContext(ctx,
		`INSERT INTO uploads(id, bucket, key, content_type, metadata, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		uploadID, bucket, key, r.Header.Get("Content-Type"), meta, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Record multipart upload", "bucket", bucket, "key", key, "err", err)
		_ = os.RemoveAll(uploadDir)
		errInternal.write(w, r)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode create multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID.
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	defer r.Body.Close()

	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}
	if _, ok := s.lookupUploadOrError(ctx, w, r, bucket, key, uploadID); !ok {
		return
	}

	uploadDir := filepath.Join(s.uploadsDir(), uploadID)
	part, err := s.spoolBody(r, uploadDir, "incoming-*")
	if err != nil {
		slog.Error("Read upload part payload", "bucket", bucket, "key", key, "err", err)
		errUnreadableBody.write(w, r)
		return
	}

	// A re-sent part replaces the earlier one.
	if err := os.Rename(part.path, partPath(uploadDir, partNumber)); err != nil {
		_ = os.Remove(part.path)
		slog.Error("Store upload part", "bucket", bucket, "key", key, "part", partNumber, "err", err)
		errInternal.write(w, r)
		return
	}

	w.Header().Set("ETag", quoteETag(part.hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID.
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	defer r.Body.Close()

	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}
	up, ok := s.lookupUploadOrError(ctx, w, r, bucket, key, uploadID)
	if !ok {
		return
	}

	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Decode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
		errMalformedXML.write(w, r)
		return
	}
	if len(req.Parts) == 0 {
		errNoParts.write(w, r)
		return
	}

	uploadDir := filepath.Join(s.uploadsDir(), uploadID)
	final, err := concatParts(uploadDir, req.Parts)
	if errors.Is(err, os.ErrNotExist) {
		errInvalidPart.write(w, r)
		return
	}
	if errors.Is(err, errPartOrder) {
		errInvalidPartOrder.write(w, r)
		return
	}
	if err != nil {
		slog.Error("Assemble multipart object", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}
	defer func() {
		if err := os.Remove(final.path); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove assembled multipart file", "path", final.path, "err", err)
		}
	}()

	err = s.storeObject(ctx, bucket, key, final, up.contentType, up.metadata, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, uploadID)
		return err
	})
	if err != nil {
		slog.Error("Store completed multipart object", "bucket", bucket, "key", key, "err", err)
		errInternal.write(w, r)
		return
	}

	if err := os.RemoveAll(uploadDir); err != nil {
		slog.Debug("Failed to remove multipart upload dir", "path", uploadDir, "err", err)
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     quoteETag(final.hashHex),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

var errPartOrder = errors.New("parts not in ascending order")

// concatParts joins the listed parts, in order, into a single file in
// uploadDir, hashing the result on the way.
func concatParts(uploadDir string, parts []CompletePart) (spooled, error) {
	final, err := os.CreateTemp(uploadDir, "final-*")
	if err != nil {
		return spooled{}, err
	}

	result := spooled{path: final.Name()}
	fail := func(err error) (spooled, error) {
		_ = final.Close()
		_ = os.Remove(result.path)
		return spooled{}, err
	}

	h := sha256.New()
	buf := make([]byte, 32*1024)
	last := 0

	for _, part := range parts {
		if part.PartNumber <= last {
			return fail(errPartOrder)
		}
		last = part.PartNumber

		pf, err := os.Open(partPath(uploadDir, part.PartNumber))
		if err != nil {
			return fail(err)
		}
		n, err := io.CopyBuffer(final, io.TeeReader(pf, h), buf)
		_ = pf.Close()
		if err != nil {
			return fail(err)
		}
		result.size += n
	}

	if err := final.Close(); err != nil {
		_ = os.Remove(result.path)
		return spooled{}, err
	}

	result.hashHex = hex.EncodeToString(h.Sum(nil))
	return result, nil
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID.
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if _, ok := s.lookupUploadOrError(ctx, w, r, bucket, key, uploadID); !ok {
		return
	}

	if _, err := s.Db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, uploadID); err != nil {
		slog.Error("Delete multipart upload", "upload_id", uploadID, "err", err)
		errInternal.write(w, r)
		return
	}

	uploadDir := filepath.Join(s.uploadsDir(), uploadID)
	if err := os.RemoveAll(uploadDir); err != nil {
		slog.Debug("Failed to remove multipart upload dir on abort", "path", uploadDir, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
