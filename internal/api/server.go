// SPDX-License-Identifier: MIT

// Package api is the HTTP edge: chunked uploads, grant minting and
// grant-enforced stream delivery.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonehaven/tonehaven/internal/api/problem"
	"github.com/tonehaven/tonehaven/internal/grant"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
	"github.com/tonehaven/tonehaven/internal/upload"
)

// Server holds the handler dependencies. All wiring is explicit; nothing
// here reaches for globals.
type Server struct {
	db      *store.Store
	uploads *upload.Coordinator
	streams *stream.Manager
	minter  *grant.Minter
	grants  *grant.Cache
}

// Options wires a Server.
type Options struct {
	DB      *store.Store
	Uploads *upload.Coordinator
	Streams *stream.Manager
	Minter  *grant.Minter
	Grants  *grant.Cache
}

// NewServer builds the HTTP edge from explicit dependencies.
func NewServer(opts Options) *Server {
	return &Server{
		db:      opts.DB,
		uploads: opts.Uploads,
		streams: opts.Streams,
		minter:  opts.Minter,
		grants:  opts.Grants,
	}
}

// Handler builds the router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(tracing("tonehaven-api"))
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(600, time.Minute))

		r.Put("/albums/{albumID}/restrictions", s.handleSetRestrictions)
		r.Route("/albums/{albumID}/tracks", func(r chi.Router) {
			r.Post("/init-upload", s.handleInitUpload)
			r.Post("/upload-chunk", s.handleUploadChunk)
			r.Post("/finalize-upload", s.handleFinalizeUpload)
			r.Post("/cancel-upload", s.handleCancelUpload)
		})

		r.Route("/tracks/{trackID}", func(r chi.Router) {
			r.Post("/grant", s.handleMintGrant)
			r.Get("/progress", s.handleProgress)
			r.Get("/timings", s.handleTimings)
			r.Get("/stream/*", s.handleStream)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// userID reads the authenticated user from the gateway-injected header.
// Authentication itself happens upstream; 0 means anonymous.
func userID(r *http.Request) int64 {
	v := r.Header.Get("X-User-ID")
	if v == "" {
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// writeProblemFor maps component errors onto stable problem codes.
func writeProblemFor(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		problem.Write(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, upload.ErrSessionNotFound):
		problem.Write(w, r, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, upload.ErrAlbumMismatch):
		problem.Write(w, r, http.StatusConflict, "album_mismatch", err.Error())
	case errors.Is(err, upload.ErrChunkMismatch):
		problem.Write(w, r, http.StatusBadRequest, "chunk_mismatch", err.Error())
	case errors.Is(err, upload.ErrNotComplete):
		problem.Write(w, r, http.StatusConflict, "chunks_incomplete", err.Error())
	case errors.Is(err, upload.ErrVisibility):
		problem.Write(w, r, http.StatusBadRequest, "visibility_not_allowed", err.Error())
	case errors.Is(err, upload.ErrCancelled):
		problem.Write(w, r, http.StatusConflict, "upload_cancelled", err.Error())
	case errors.Is(err, stream.ErrDenied):
		w.Header().Set("Retry-After", strconv.Itoa(int(stream.RetryAfter.Seconds())))
		problem.Write(w, r, http.StatusServiceUnavailable, "cache_full", err.Error())
	default:
		problem.Write(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}
