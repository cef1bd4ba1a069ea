// Package server exposes a bucket's engine over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ftsync/ftsync/internal/engine"
	"github.com/ftsync/ftsync/internal/metrics"
)

// ProtocolVersions lists the sync protocol versions this server speaks.
var ProtocolVersions = []int{2}

// Header names used by the file endpoints.
const (
	HeaderModified    = "X-Modified"
	HeaderContentHash = "X-Content-Hash"
	HeaderRequestID   = "X-Request-ID"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not safe for concurrent use; one per request.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status and the engine outcome to a metric label.
func classifyStatus(httpStatus int, err error, stale bool) string {
	switch {
	case stale:
		return "stale"
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrInvalidTimestamp), errors.Is(err, engine.ErrInvalidPath):
		return "invalid"
	case errors.Is(err, engine.ErrLockUnavailable):
		return "unavailable"
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// Server serves one bucket.
type Server struct {
	engine        *engine.Engine
	maxUploadSize int64
	metrics       *metrics.EngineMetrics
}

// New creates a server for e. Request bodies larger than maxUploadSize are
// rejected; 0 means unlimited. m may be nil.
func New(e *engine.Engine, maxUploadSize int64, m *metrics.EngineMetrics) *Server {
	return &Server{engine: e, maxUploadSize: maxUploadSize, metrics: m}
}

// Handler returns the HTTP handler for the bucket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ft/version", s.instrument("Version", s.version))
	mux.HandleFunc("PUT /ft/files/{path...}", s.instrument("PutFile", s.putFile))
	mux.HandleFunc("GET /ft/files/{path...}", s.instrument("GetFile", s.getFile))
	mux.HandleFunc("DELETE /ft/files/{path...}", s.instrument("DeleteFile", s.deleteFile))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

// outcome lets a handler report what the engine said for metrics.
type outcome struct {
	err   error
	stale bool
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, out *outcome)

// instrument attaches a request ID and logger, and records request metrics.
func (s *Server) instrument(op string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		logger := log.With().
			Str("bucket", s.engine.Bucket()).
			Str("request_id", reqID).
			Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w}
		var out outcome
		h(rec, r, &out)

		duration := time.Since(start)
		status := rec.getStatus()
		name := op
		if r.Method == http.MethodHead {
			name = "HeadFile"
		}
		s.metrics.RecordRequest(s.engine.Bucket(), name, classifyStatus(status, out.err, out.stale), duration.Seconds())

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}
}

type versionResponse struct {
	ProtocolVersions []int `json:"protocol_versions"`
}

func (s *Server) version(w http.ResponseWriter, r *http.Request, _ *outcome) {
	writeJSON(w, http.StatusOK, versionResponse{ProtocolVersions: ProtocolVersions})
}

// PutFileResponse is the body of a successful PUT.
type PutFileResponse struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Modified int64  `json:"modified"`
	Stale    bool   `json:"stale"`
}

// DeleteFileResponse is the body of a successful DELETE.
type DeleteFileResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// filePath maps /ft/files/a/b to the engine path /a/b. An empty remainder
// stays empty so the engine rejects it.
func filePath(r *http.Request) string {
	p := strings.TrimPrefix(r.PathValue("path"), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func (s *Server) putFile(w http.ResponseWriter, r *http.Request, out *outcome) {
	path := filePath(r)

	modified := r.Header.Get(HeaderModified)
	if modified == "" {
		modified = r.Header.Get("Last-Modified")
	}
	if modified == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing "+HeaderModified+" header")
		return
	}

	body := r.Body
	if s.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "read body: "+err.Error())
		return
	}

	res, err := s.engine.PutFile(r.Context(), path, content, modified)
	if err != nil {
		out.err = err
		s.writeEngineError(w, r, err)
		return
	}
	out.stale = res.Stale()

	w.Header().Set(HeaderContentHash, res.Hash)
	w.Header().Set(HeaderModified, strconv.FormatInt(res.Modified, 10))
	writeJSON(w, http.StatusOK, PutFileResponse{
		Success:  true,
		Path:     res.Path,
		Hash:     res.Hash,
		Modified: res.Modified,
		Stale:    res.Stale(),
	})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, out *outcome) {
	path := filePath(r)

	if r.Method == http.MethodHead {
		info, err := s.engine.Stat(r.Context(), path)
		if err != nil {
			out.err = err
			w.WriteHeader(statusFor(err))
			return
		}
		setFileHeaders(w, info)
		w.WriteHeader(http.StatusOK)
		return
	}

	file, err := s.engine.GetFile(r.Context(), path)
	if err != nil {
		out.err = err
		s.writeEngineError(w, r, err)
		return
	}
	setFileHeaders(w, &file.FileInfo)
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Content); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to write file content")
	}
}

func setFileHeaders(w http.ResponseWriter, info *engine.FileInfo) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+info.Hash+`"`)
	w.Header().Set("Last-Modified", time.Unix(info.Modified, 0).UTC().Format(http.TimeFormat))
	w.Header().Set(HeaderContentHash, info.Hash)
	w.Header().Set(HeaderModified, strconv.FormatInt(info.Modified, 10))
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, out *outcome) {
	path := filePath(r)
	if _, err := s.engine.DeleteFile(r.Context(), path); err != nil {
		out.err = err
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteFileResponse{Success: true, Path: path})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidTimestamp), errors.Is(err, engine.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := "storage_failure"
	switch status {
	case http.StatusBadRequest:
		code = "invalid_input"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusServiceUnavailable:
		code = "lock_unavailable"
	}
	if status >= 500 {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
