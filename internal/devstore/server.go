// Package devstore implements a small S3-compatible server backed by the
// local filesystem for payloads and SQLite for metadata. It is meant for
// development and tests, not production use, and performs no
// authentication.
package devstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"satchel/internal/httpmw"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultRegion = "us-east-1"
	metaPrefix    = "X-Amz-Meta-"
)

// Server provides a minimal S3-compatible HTTP API.
type Server struct {
	Config   Config
	Db       *sql.DB
	payloads *payloadStore
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS objects (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			content_type TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY(bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_hash ON objects(bucket, hash);`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// NewServer initializes the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "metadata.sqlite")
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Server{
		Config:   cfg,
		Db:       db,
		payloads: newPayloadStore(filepath.Join(cfg.DataDir, "objects")),
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.Db.Close()
}

func (s *Server) uploadsDir() string {
	return filepath.Join(s.Config.DataDir, "uploads")
}

type bucketHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string)

type objectHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string)

// bucketRoute rejects malformed bucket names before h runs.
func bucketRoute(h bucketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bucket := r.PathValue("bucket")
		if !isValidBucketName(bucket) {
			errInvalidBucketName.write(w, r)
			return
		}
		h(r.Context(), w, r, bucket)
	}
}

func objectRoute(h objectHandler) http.HandlerFunc {
	return bucketRoute(func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
		key := r.PathValue("key")
		if !isValidObjectKey(key) {
			errInvalidObjectName.write(w, r)
			return
		}
		h(ctx, w, r, bucket, key)
	})
}

// Handler serves the supported subset of the S3 API with path-style
// addressing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		notImplemented(w, r, "ListBuckets")
	})

	for method, h := range map[string]bucketHandler{
		http.MethodPut:    s.handleBucketPut,
		http.MethodGet:    s.handleBucketGet,
		http.MethodHead:   s.handleBucketHead,
		http.MethodDelete: s.handleBucketDelete,
	} {
		mux.Handle(method+" /{bucket}", bucketRoute(h))
	}

	for method, h := range map[string]objectHandler{
		http.MethodPut:    s.handleObjectPut,
		http.MethodGet:    s.handleObjectGet,
		http.MethodHead:   s.handleObjectHead,
		http.MethodDelete: s.handleObjectDelete,
		http.MethodPost:   s.handleObjectPost,
	} {
		mux.Handle(method+" /{bucket}/{key...}", objectRoute(h))
	}

	return httpmw.Recoverer(httpmw.LogRequest(httpmw.SlashFix(mux)))
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var one int
	err := s.Db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, bucket).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// requireBucket writes NoSuchBucket and returns false if bucket is absent.
func (s *Server) requireBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Lookup bucket", "bucket", bucket, "err", err)
		errInternal.write(w, r)
		return false
	}
	if !exists {
		errNoSuchBucket.write(w, r)
		return false
	}
	return true
}

// ensureBucket creates the bucket if necessary. It reports whether the
// bucket was created by this call.
func (s *Server) ensureBucket(ctx context.Context, name string) (bool, error) {
	res, err := s.Db.ExecContext(ctx,
		`INSERT INTO buckets(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

func notImplemented(w http.ResponseWriter, r *http.Request, op string) {
	errNotImplemented.withMessage(op+" is not implemented.").write(w, r)
}

// writeXMLResponse sends v as a 200 XML document.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// isValidBucketName applies the S3 bucket naming rules: 3 to 63
// characters of lowercase letters, digits, dots and hyphens, beginning and
// ending with a letter or digit, no empty or hyphen-edged dot separated
// labels, and not shaped like an IP address.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 || net.ParseIP(name) != nil {
		return false
	}

	for _, label := range strings.Split(name, ".") {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

// isValidObjectKey accepts 1 to 1024 bytes without control characters.
func isValidObjectKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	return strings.IndexFunc(key, unicode.IsControl) < 0
}

func quoteETag(hashHex string) string {
	return `"` + hashHex + `"`
}

// userMetadata collects the x-amz-meta-* request headers, keyed by their
// lowercased name without the prefix.
func userMetadata(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, metaPrefix) || len(values) == 0 {
			continue
		}
		meta[strings.ToLower(strings.TrimPrefix(canonical, metaPrefix))] = values[0]
	}
	return meta
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	return string(b), err
}

func decodeMetadata(raw string) map[string]string {
	meta := make(map[string]string)
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		slog.Warn("Ignoring malformed object metadata", "err", err)
	}
	return meta
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
