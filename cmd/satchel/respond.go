package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"

	"satchel/internal/objstore"
	"satchel/internal/tempfile"
	"satchel/internal/upload"
)

type errorResponse struct {
	Error string `json:"error"`
}

type deleteResponse struct {
	Result string `json:"result"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, objstore.ErrNotFound), errors.Is(err, objstore.ErrBucketNotFound):
		return http.StatusNotFound
	case upload.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, objstore.ErrCanceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func outcomeOrError(w http.ResponseWriter, r *http.Request) (*upload.Outcome, bool) {
	outcome, ok := upload.FromContext(r.Context())
	if !ok {
		slog.Error("No outcome attached to request", "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
		return nil, false
	}
	if outcome.Err != nil {
		writeError(w, outcome.Err)
		return nil, false
	}
	return outcome, true
}

// respondJSON renders the Post, List and Delete outcomes.
func respondJSON(w http.ResponseWriter, r *http.Request) {
	outcome, ok := outcomeOrError(w, r)
	if !ok {
		return
	}

	switch outcome.Op {
	case upload.Post, upload.PostStream:
		writeJSON(w, http.StatusCreated, outcome.Post)
	case upload.List:
		writeJSON(w, http.StatusOK, outcome.List)
	case upload.Delete:
		writeJSON(w, http.StatusOK, deleteResponse{Result: outcome.Delete})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unexpected outcome " + outcome.Op.String()})
	}
}

func setDownloadHeaders(w http.ResponseWriter, get *upload.GetResult) {
	h := w.Header()
	if get.ContentType != "" {
		h.Set("Content-Type", get.ContentType)
	}
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": get.OriginalName}); disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
}

// respondFile serves Get and GetStream outcomes and releases the temp file
// or stream once the response is written.
func respondFile(temp *tempfile.Dir) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, ok := outcomeOrError(w, r)
		if !ok {
			return
		}

		get := outcome.Get
		if get == nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unexpected outcome " + outcome.Op.String()})
			return
		}

		setDownloadHeaders(w, get)

		if get.Stream != nil {
			defer get.Stream.Close()
			if get.ContentLength >= 0 {
				w.Header().Set("Content-Length", strconv.FormatInt(get.ContentLength, 10))
			}
			w.WriteHeader(http.StatusOK)
			if _, err := io.Copy(w, get.Stream); err != nil {
				slog.Warn("Failed to stream download", "err", err)
			}
			return
		}

		defer func() {
			if err := temp.Remove(get.Path); err != nil {
				slog.Warn("Failed to remove downloaded file", "path", get.Path, "err", err)
			}
		}()

		f, err := os.Open(get.Path)
		if err != nil {
			slog.Error("Failed to open downloaded file", "path", get.Path, "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			slog.Error("Failed to stat downloaded file", "path", get.Path, "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
			return
		}

		http.ServeContent(w, r, get.OriginalName, info.ModTime(), f)
	}
}
