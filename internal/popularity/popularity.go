// SPDX-License-Identifier: MIT

// Package popularity is the client side of the external popular-tracks
// contract. Popular tracks get a larger voice-variant budget.
package popularity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonehaven/tonehaven/internal/log"
)

// Service answers whether a track counts as popular.
type Service interface {
	IsPopular(ctx context.Context, trackID string, creatorID int64) (bool, error)
}

// HTTPService queries the popularity endpoint.
type HTTPService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPService returns a client for the given base URL.
func NewHTTPService(baseURL string) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// IsPopular asks the external service. Failures degrade to "not popular"
// so admission keeps working with the smaller budget.
func (s *HTTPService) IsPopular(ctx context.Context, trackID string, creatorID int64) (bool, error) {
	u := fmt.Sprintf("%s/popular-tracks/check?track_id=%s&creator_id=%d",
		s.baseURL, url.QueryEscape(trackID), creatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build popularity request: %w", err)
	}

	logger := log.WithComponent("popularity")
	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldTrackID, trackID).
			Msg("popularity lookup failed, assuming not popular")
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logger.Warn().
			Str(log.FieldTrackID, trackID).
			Str("status", strconv.Itoa(resp.StatusCode)).
			Msg("popularity lookup returned non-200, assuming not popular")
		return false, nil
	}

	var body struct {
		Popular bool `json:"popular"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode popularity response: %w", err)
	}
	return body.Popular, nil
}

// Static always answers the same, used in tests and when no endpoint is
// configured.
type Static bool

func (s Static) IsPopular(context.Context, string, int64) (bool, error) {
	return bool(s), nil
}
