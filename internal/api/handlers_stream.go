// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tonehaven/tonehaven/internal/api/problem"
	"github.com/tonehaven/tonehaven/internal/grant"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/metrics"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
	"github.com/tonehaven/tonehaven/internal/timing"
)

type mintGrantBody struct {
	SessionID string `json:"session_id"`
	VoiceID   string `json:"voice_id,omitempty"`
}

type mintGrantResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// handleMintGrant evaluates tier access and issues a signed grant bound to
// the track's current content version.
func (s *Server) handleMintGrant(w http.ResponseWriter, r *http.Request) {
	var body mintGrantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if body.SessionID == "" {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}

	ctx := r.Context()
	trackID := chi.URLParam(r, "trackID")
	track, err := s.db.GetTrack(ctx, trackID)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}

	uid := userID(r)
	user := store.User{UserID: uid}
	if u, err := s.db.GetUser(ctx, uid); err == nil {
		user = *u
	}
	var restrictions *store.TierRestrictions
	if album, err := s.db.GetAlbum(ctx, track.AlbumID); err == nil {
		restrictions = album.Restrictions
	}
	donation, err := s.db.DonationCents(ctx, uid, track.OwnerID)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}

	if d := grant.EvaluateAccess(user, track.OwnerID, restrictions, donation); !d.Allowed {
		problem.Write(w, r, http.StatusForbidden, "tier_required", d.Message)
		return
	}

	token, payload, err := s.minter.Mint(body.SessionID, trackID, body.VoiceID, strconv.FormatInt(uid, 10), track.ContentVersion)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	if s.grants != nil {
		if err := s.grants.Put(ctx, payload, s.minter.TTL()); err != nil {
			logger := log.WithComponent("api")
			logger.Warn().Err(err).
				Str(log.FieldTrackID, trackID).
				Msg("caching grant")
		}
	}
	writeJSON(w, http.StatusOK, mintGrantResponse{Token: token, ExpiresAt: payload.ExpiresAt})
}

// handleStream serves playlists and segments under grant enforcement, or
// answers 202 while the stream is being prepared.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trackID := chi.URLParam(r, "trackID")
	voiceID := r.URL.Query().Get("voice")
	filename := chi.URLParam(r, "*")

	track, err := s.db.GetTrack(ctx, trackID)
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}

	token := r.URL.Query().Get("grant")
	if _, reason, err := s.minter.Validate(token, trackID, voiceID, track.ContentVersion); err != nil {
		metrics.RecordGrantFailure(string(reason))
		problem.Write(w, r, http.StatusUnauthorized, string(reason), "grant rejected")
		return
	}

	resp, err := s.streams.GetStreamResponse(ctx, stream.Request{
		TrackID:  trackID,
		VoiceID:  voiceID,
		Filename: filename,
	})
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}
	if !resp.Ready {
		if resp.VoiceID != "" {
			w.Header().Set("X-Voice-ID", resp.VoiceID)
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(resp.RetryAfter.Seconds())))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "preparing"})
		return
	}

	if strings.HasSuffix(filename, ".ts") {
		s.streams.RecordSegmentAccess(ctx, trackID, voiceID, filename)
	}
	setStreamContentType(w, filename)
	http.ServeFile(w, r, resp.Path)
}

func setStreamContentType(w http.ResponseWriter, name string) {
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case strings.HasSuffix(name, ".ts"):
		w.Header().Set("Content-Type", "video/mp2t")
	case strings.HasSuffix(name, ".json"):
		w.Header().Set("Content-Type", "application/json")
	case strings.HasSuffix(name, ".zst"):
		w.Header().Set("Content-Type", "application/zstd")
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p := s.streams.GetSegmentProgress(chi.URLParam(r, "trackID"), r.URL.Query().Get("voice"))
	writeJSON(w, http.StatusOK, p)
}

type timingsResponse struct {
	TrackID  string              `json:"track_id"`
	VoiceID  string              `json:"voice_id,omitempty"`
	Words    []timing.WordTiming `json:"words"`
	Coverage float64             `json:"coverage"`
}

func (s *Server) handleTimings(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	voiceID := r.URL.Query().Get("voice")
	words, coverage, err := s.streams.TimingsFor(trackID, voiceID)
	if err != nil {
		problem.Write(w, r, http.StatusNotFound, "timings_not_found", "no consolidated timings for this voice")
		return
	}
	writeJSON(w, http.StatusOK, timingsResponse{
		TrackID:  trackID,
		VoiceID:  voiceID,
		Words:    words,
		Coverage: coverage,
	})
}
