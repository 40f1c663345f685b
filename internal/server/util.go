package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/registry"
)

// ResponseTimeHeader carries the invocation duration in milliseconds.
const ResponseTimeHeader = "X-Response-Time"

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		b, _ = json.Marshal(errorResp{Error: err.Error()})
	}
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_, _ = c.Writer.Write(b)
}

func writeError(c *gin.Context, code int, err error) {
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// statusFor maps registry and loader errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidPath),
		errors.Is(err, function.ErrInvalidTrigger),
		errors.Is(err, function.ErrModuleNotFound),
		errors.Is(err, function.ErrInvalidManifest):
		return http.StatusBadRequest
	case errors.Is(err, function.ErrExportNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// functionName returns the invocation path without its leading slash.
// Nested paths never match a deployed name.
func functionName(p string) string {
	return strings.TrimPrefix(p, "/")
}

func formatResponseTime(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
}

// timedWriter stamps X-Response-Time right before the header is sent, so
// raw HTTP functions that stream their own response still carry it.
type timedWriter struct {
	gin.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timedWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	w.Header().Set(ResponseTimeHeader, formatResponseTime(time.Since(w.start)))
}

func (w *timedWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func (w *timedWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}
