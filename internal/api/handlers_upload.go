// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonehaven/tonehaven/internal/api/problem"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/upload"
)

// maxChunkMemory bounds the in-memory part of multipart parsing; larger
// chunks spill to disk.
const maxChunkMemory = 32 << 20

type initUploadBody struct {
	UploadID   string `json:"uploadId,omitempty"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize,omitempty"`
	Title      string `json:"title,omitempty"`
	Visibility string `json:"visibility_status,omitempty"`
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var body initUploadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	uid := userID(r)
	isTeam := false
	if u, err := s.db.GetUser(r.Context(), uid); err == nil {
		isTeam = u.IsTeam
	}

	res, err := s.uploads.InitUpload(r.Context(), upload.InitRequest{
		UploadID:   body.UploadID,
		AlbumID:    chi.URLParam(r, "albumID"),
		CreatorID:  uid,
		IsTeam:     isTeam,
		Filename:   body.Filename,
		Title:      body.Title,
		Visibility: store.VisibilityStatus(body.Visibility),
	})
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}
	uploadID := r.FormValue("uploadId")
	chunkIndex, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "chunkIndex must be an integer")
		return
	}
	totalChunks, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "totalChunks must be an integer")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "chunk file part is required")
		return
	}
	defer func() { _ = file.Close() }()

	res, err := s.uploads.UploadChunk(r.Context(), chi.URLParam(r, "albumID"), uploadID, chunkIndex, totalChunks, file)
	if errors.Is(err, upload.ErrCancelled) {
		// Cancellation is a terminal outcome for the client, not a fault.
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type trackResponse struct {
	TrackID      string  `json:"track_id"`
	AlbumID      string  `json:"album_id"`
	Title        string  `json:"title"`
	Duration     float64 `json:"duration"`
	UploadStatus string  `json:"upload_status"`
	HLSReady     bool    `json:"hls_ready"`
}

type finalizeBody struct {
	UploadID string `json:"uploadId"`
	TrackID  string `json:"trackId"`
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UploadID == "" || body.TrackID == "" {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "uploadId and trackId are required")
		return
	}
	track, err := s.uploads.FinalizeUpload(r.Context(), chi.URLParam(r, "albumID"), body.UploadID, body.TrackID)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trackResponse{
		TrackID:      track.TrackID,
		AlbumID:      track.AlbumID,
		Title:        track.Title,
		Duration:     track.Duration,
		UploadStatus: string(track.UploadStatus),
		HLSReady:     track.HLSReady,
	})
}

type cancelBody struct {
	UploadID string `json:"uploadId"`
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UploadID == "" {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "uploadId is required")
		return
	}
	report, err := s.uploads.CancelUpload(r.Context(), chi.URLParam(r, "albumID"), body.UploadID)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "upload cancelled",
		"cancelled":       true,
		"deletion_report": report,
	})
}
