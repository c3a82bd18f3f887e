package capture

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cerberus-defense/cerberus/internal/middleware"
)

const (
	maxCapturedRequestBody  = 1 << 20 // 1 MiB
	maxCapturedResponseBody = 64 << 10
)

// Middleware records every request/response pair flowing through the decoy.
// The request body is buffered and replaced so downstream handlers still
// read it.
func (a *Agent) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(r.Body, maxCapturedRequestBody))
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		rec := &responseTap{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		a.Observe(Record{
			Timestamp:       start.UTC(),
			Method:          r.Method,
			URL:             requestURL(r),
			Path:            r.URL.Path,
			Headers:         flattenHeader(r.Header),
			Body:            string(body),
			Query:           flattenQuery(r.URL.Query()),
			SourceIP:        middleware.ClientIP(r),
			UserAgent:       r.UserAgent(),
			SessionID:       sessionFingerprint(r),
			StatusCode:      rec.status,
			DurationMs:      float64(time.Since(start).Microseconds()) / 1000.0,
			ResponseHeaders: flattenHeader(rec.Header()),
			ResponseBody:    rec.body.String(),
		})
	})
}

// responseTap captures the status code and a bounded copy of the body.
type responseTap struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (t *responseTap) WriteHeader(status int) {
	t.status = status
	t.ResponseWriter.WriteHeader(status)
}

func (t *responseTap) Write(p []byte) (int, error) {
	if remaining := maxCapturedResponseBody - t.body.Len(); remaining > 0 {
		if len(p) <= remaining {
			t.body.Write(p)
		} else {
			t.body.Write(p[:remaining])
		}
	}
	return t.ResponseWriter.Write(p)
}

// sessionFingerprint reads the fingerprint the switch stamps on decoy-bound
// traffic.
func sessionFingerprint(r *http.Request) string {
	if fp := r.Header.Get("X-Session-Fingerprint"); fp != "" {
		return fp
	}
	return "unknown"
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for name, values := range q {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
