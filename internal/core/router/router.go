// Package router holds the handler plumbing shared by every route: status capture,
// per-route metrics and JSON responses.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mohammed-shakir/warmcache/internal/core/observability"
)

// Observe wraps h so each request is recorded under route (the pattern, not the raw path).
func Observe(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// WriteJSON writes v with status. Encoding errors after the header is sent are ignored.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRaw writes an already encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ErrorBody is the machine-readable error shape. Detail never carries a stack trace.
type ErrorBody struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, detail string) {
	WriteJSON(w, status, ErrorBody{Error: code, Detail: detail})
}
