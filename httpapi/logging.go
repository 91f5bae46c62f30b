package httpapi

import (
	"net/http"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/internal/logx"
)

type responseRecorder struct {
	status int
	bytes  int64
	writer http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header {
	return r.writer.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.writer.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.writer.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.writer.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController and websocket.Accept reach the
// underlying writer (Hijacker).
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.writer
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logx.ContextWithRemoteLogger(r.Context(), pslog.Ctx(r.Context()).With("remote", r.RemoteAddr), r.RemoteAddr)
		r = r.WithContext(ctx)
		rec := &responseRecorder{writer: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path = path + "?" + redactToken(r)
		}
		logger := logx.Ctx(ctx)
		logger.Info("http request", "method", r.Method, "path", path, "status", status, "bytes", rec.bytes, "duration_ms", time.Since(start).Milliseconds())
		logger.Debug("http request details", "ua", r.UserAgent())
	})
}

func redactToken(r *http.Request) string {
	query := r.URL.Query()
	if query.Has("token") {
		query.Set("token", "redacted")
	}
	return query.Encode()
}
