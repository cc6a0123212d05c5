// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tonehaven/tonehaven/internal/api/problem"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/store"
)

type restrictionsBody struct {
	IsRestricted     bool   `json:"is_restricted"`
	MinimumTierCents int64  `json:"minimum_tier_cents"`
	MinimumTierName  string `json:"minimum_tier_name,omitempty"`
}

// handleSetRestrictions replaces the album tier policy. The store bumps
// the content version of every track in the album, which invalidates
// outstanding grant tokens; the cached grants are purged here.
func (s *Server) handleSetRestrictions(w http.ResponseWriter, r *http.Request) {
	var body restrictionsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	albumID := chi.URLParam(r, "albumID")
	trackIDs, err := s.db.SetTierRestrictions(r.Context(), albumID, store.TierRestrictions{
		IsRestricted:     body.IsRestricted,
		MinimumTierCents: body.MinimumTierCents,
		MinimumTierName:  body.MinimumTierName,
	})
	if err != nil {
		writeProblemFor(w, r, err)
		return
	}

	purged := 0
	if s.grants != nil {
		logger := log.WithComponent("api")
		for _, trackID := range trackIDs {
			n, err := s.grants.PurgeTrack(r.Context(), trackID)
			if err != nil {
				logger.Warn().Err(err).
					Str(log.FieldTrackID, trackID).
					Msg("purging grants after restriction change")
				continue
			}
			purged += n
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"album_id":        albumID,
		"tracks_affected": len(trackIDs),
		"grants_purged":   purged,
	})
}
