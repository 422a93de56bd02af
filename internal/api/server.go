// Package api exposes uploads, job status and session artifacts over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/statuscheck"
	"github.com/local/pagetrack/internal/store"
	"github.com/local/pagetrack/internal/upload"
)

// IdentityHeader carries the caller's user identity. Requests without it
// act as the anonymous identity.
const IdentityHeader = "X-User-Id"

// ChunkIndexHeader carries the zero-based chunk index of a chunk body.
const ChunkIndexHeader = "Chunk-Index"

// JobReader loads the latest Processing Record of a job.
type JobReader interface {
	Status(ctx context.Context, jobID string) (*record.ProcessingRecord, error)
}

type Dependencies struct {
	Uploads *upload.Assembler
	Store   *store.Store
	Jobs    JobReader
	Owners  *partition.Validator
	Checker *statuscheck.Checker
}

type Options struct {
	// MaxChunkBytes caps a single chunk body.
	MaxChunkBytes int64
}

type Server struct {
	deps Dependencies
	opts Options
}

func New(deps Dependencies, opts Options) *Server {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = 64 << 20
	}
	return &Server{deps: deps, opts: opts}
}

// Routes returns the full handler, wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /health/deps", s.handleDeps)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /upload/start", s.handleUploadStart)
	mux.HandleFunc("POST /upload/chunk/{upload_id}", s.handleUploadChunk)
	mux.HandleFunc("GET /upload/{upload_id}", s.handleUploadStatus)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{session_id}/files/{name...}", s.handleFile)
	mux.HandleFunc("GET /jobs/{job_id}/status", s.handleJobStatus)
	return logRequests(mux)
}

type startReq struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int    `json:"total_chunks"`
	SessionID   string `json:"session_id,omitempty"`
}

type startResp struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req startReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, apperr.Validation("api.upload_start", "invalid json: %v", err))
		return
	}
	m, err := s.deps.Uploads.Start(r.Context(), upload.StartRequest{
		Identity:    identity(r),
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		SessionID:   req.SessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResp{UploadID: m.UploadID, TotalChunks: m.TotalChunks})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	const op = "api.upload_chunk"
	defer r.Body.Close()
	uploadID := r.PathValue("upload_id")
	index, err := strconv.Atoi(strings.TrimSpace(r.Header.Get(ChunkIndexHeader)))
	if err != nil {
		writeError(w, apperr.Validation(op, "%s header must be an integer", ChunkIndexHeader))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxChunkBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, apperr.Validation(op, "chunk exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, apperr.Validation(op, "read chunk: %v", err))
		return
	}
	res, err := s.deps.Uploads.SubmitChunk(r.Context(), uploadID, index, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type uploadStatusResp struct {
	upload.Manifest
	Received []int `json:"received"`
	Missing  []int `json:"missing"`
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	m, received, missing, err := s.deps.Uploads.Missing(r.Context(), r.PathValue("upload_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if m.OwnerHash != partition.OwnerHash(identity(r)) {
		writeError(w, apperr.NotFound("api.upload_status", "upload %s", m.UploadID))
		return
	}
	if received == nil {
		received = []int{}
	}
	if missing == nil {
		missing = []int{}
	}
	writeJSON(w, http.StatusOK, uploadStatusResp{Manifest: m, Received: received, Missing: missing})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.CreateSession(r.Context(), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	rec, err := s.deps.Jobs.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	// another owner's job looks exactly like a missing one
	if rec.OwnerUserHash != partition.OwnerHash(identity(r)) {
		writeError(w, apperr.NotFound("api.job_status", "job %s", jobID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type linkResp struct {
	URL string `json:"url"`
}

// handleFile serves a session artifact. With ?link it returns a URL to the
// artifact on the backend instead of its bytes.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	const op = "api.file"
	sessionID, name := r.PathValue("session_id"), r.PathValue("name")
	if err := partition.ValidName(name); err != nil {
		writeError(w, apperr.Validation(op, "invalid artifact name %q", name))
		return
	}
	ok, err := s.deps.Owners.ValidateOwnership(r.Context(), sessionID, identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.NotFound(op, "session %s", sessionID))
		return
	}
	sess, err := s.deps.Store.Session(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	scope := s.deps.Store.Scope(sess)

	if r.URL.Query().Has("link") {
		u, err := scope.URLFor(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, linkResp{URL: u})
		return
	}

	data, err := s.deps.Store.ReadArtifact(r.Context(), scope, name)
	if err != nil {
		writeError(w, err)
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	sum := s.deps.Checker.Summary(ctx)
	code := http.StatusOK
	if !sum.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func identity(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}

type errorResp struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	if errors.Is(err, context.Canceled) {
		code = 499
	}
	if code >= 500 {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error(), Status: string(apperr.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}
