package devstore

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleBucketPut dispatches PUT /bucket[?subresource].
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		notImplemented(w, r, "PutBucketTagging")
	case q.Has("versioning"):
		notImplemented(w, r, "PutBucketVersioning")
	case q.Has("policy"):
		notImplemented(w, r, "PutBucketPolicy")
	default:
		s.handleCreateBucket(ctx, w, r, bucket)
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between the list
// APIs and GetBucketLocation.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("versions"):
		notImplemented(w, r, "ListObjectVersions")
	case q.Has("uploads"):
		notImplemented(w, r, "ListMultipartUploads")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	default:
		s.handleListObjects(ctx, w, r, bucket)
	}
}

func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	var count int
	if err := s.Db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
		slog.Error("Count bucket objects", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return
	}
	if count > 0 {
		errBucketNotEmpty.write(w, r)
		return
	}

	if _, err := s.Db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		slog.Error("Delete bucket metadata", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return
	}
	if err := s.payloads.removeBucket(bucket); err != nil {
		slog.Warn("Remove bucket payloads", "bucket", bucket, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleBucketHead implements HEAD /bucket: 200 with no body.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	created, err := s.ensureBucket(ctx, bucket)
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return
	}
	if !created {
		// Single tenant, so an existing bucket is always ours.
		errBucketOwned.write(w, r)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleGetBucketLocation implements GET /bucket?location.
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	resp := LocationConstraint{
		XMLNS:  S3XMLNamespace,
		Region: s.Config.Region,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

type listQuery struct {
	prefix    string
	delimiter string
	after     string
	maxKeys   int
}

type listPage struct {
	summaries      []ObjectSummary
	commonPrefixes []CommonPrefix
	truncated      bool
	lastKey        string
}

func parseMaxKeys(raw string) int {
	maxKeys := 1000
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}
	return maxKeys
}

// listObjects scans keys in order after q.after, folding keys that contain
// the delimiter past the prefix into common prefixes.
func (s *Server) listObjects(ctx context.Context, bucket string, q listQuery) (listPage, error) {
	args := []any{bucket}
	query := `SELECT key, hash, size, modified_at FROM objects WHERE bucket = ?`
	if q.prefix != "" {
		query += ` AND instr(key, ?) = 1`
		args = append(args, q.prefix)
	}
	if q.after != "" {
		query += ` AND key > ?`
		args = append(args, q.after)
	}
	query += ` ORDER BY key`

	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return listPage{}, err
	}
	defer rows.Close()

	var (
		page    listPage
		count   int
		seen    = make(map[string]struct{})
		scanned string
	)

	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			return listPage{}, err
		}

		if q.delimiter != "" {
			rel := strings.TrimPrefix(key, q.prefix)
			if idx := strings.Index(rel, q.delimiter); idx != -1 {
				cp := q.prefix + rel[:idx+len(q.delimiter)]
				if _, ok := seen[cp]; ok {
					scanned = key
					continue
				}
				if count == q.maxKeys {
					page.truncated = true
					break
				}
				seen[cp] = struct{}{}
				page.commonPrefixes = append(page.commonPrefixes, CommonPrefix{Prefix: cp})
				count++
				scanned = key
				continue
			}
		}

		if count == q.maxKeys {
			page.truncated = true
			break
		}
		page.summaries = append(page.summaries, ObjectSummary{
			Key:          key,
			LastModified: modifiedAt.UTC().Format(time.RFC3339),
			ETag:         quoteETag(hashHex),
			Size:         size,
			StorageClass: "STANDARD",
		})
		count++
		scanned = key
	}
	if err := rows.Err(); err != nil {
		return listPage{}, err
	}

	page.lastKey = scanned
	return page, nil
}

// handleListObjects implements ListObjects (v1): GET /bucket.
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	lq := listQuery{
		prefix:    q.Get("prefix"),
		delimiter: q.Get("delimiter"),
		after:     q.Get("marker"),
		maxKeys:   parseMaxKeys(q.Get("max-keys")),
	}

	page, err := s.listObjects(ctx, bucket, lq)
	if err != nil {
		slog.Error("List objects", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return
	}

	resp := ListBucketResult{
		XMLNS:          S3XMLNamespace,
		Name:           bucket,
		Prefix:         lq.prefix,
		Marker:         lq.after,
		Delimiter:      lq.delimiter,
		MaxKeys:        lq.maxKeys,
		IsTruncated:    page.truncated,
		Contents:       page.summaries,
		CommonPrefixes: page.commonPrefixes,
	}
	if page.truncated {
		resp.NextMarker = page.lastKey
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements ListObjectsV2: GET /bucket?list-type=2.
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	after := continuationToken
	if continuationToken == "" {
		startAfter = q.Get("start-after")
		after = startAfter
	}

	lq := listQuery{
		prefix:    q.Get("prefix"),
		delimiter: q.Get("delimiter"),
		after:     after,
		maxKeys:   parseMaxKeys(q.Get("max-keys")),
	}

	page, err := s.listObjects(ctx, bucket, lq)
	if err != nil {
		slog.Error("List objects v2", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:             S3XMLNamespace,
		Name:              bucket,
		Prefix:            lq.prefix,
		Delimiter:         lq.delimiter,
		KeyCount:          len(page.summaries) + len(page.commonPrefixes),
		MaxKeys:           lq.maxKeys,
		IsTruncated:       page.truncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          page.summaries,
		CommonPrefixes:    page.commonPrefixes,
	}
	if page.truncated {
		resp.NextContinuationToken = page.lastKey
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}
