// Package httpmw holds the HTTP middleware shared by satchel's servers.
package httpmw

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// statusRecorder intercepts WriteHeader to remember the response status.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// LogRequest logs every request with its status and duration.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := &statusRecorder{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(writer, r)
		elapsed := time.Since(start)

		attrs := []any{
			slog.Group("user", "ip", r.RemoteAddr),
			slog.Group("request",
				"proto", r.Proto,
				"method", r.Method,
				"url", r.URL.String(),
				"duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond),
				"status_code", writer.status,
			),
		}

		switch {
		case writer.status >= 500:
			slog.Error("Request", attrs...)
		case writer.status >= 400:
			slog.Warn("Request", attrs...)
		default:
			slog.Debug("Request", attrs...)
		}
	})
}

// SlashFix collapses "//" and drops a trailing slash so "/bucket/" routes
// as a bucket request.
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// Aborted responses must not be recovered or logged.
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
