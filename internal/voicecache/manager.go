// SPDX-License-Identifier: MIT

package voicecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/metrics"
	"github.com/tonehaven/tonehaven/internal/popularity"
	"github.com/tonehaven/tonehaven/internal/store"
)

const (
	maxVoicesPopular = 5
	maxVoicesDefault = 3
)

// ErrCacheFull is a retryable denial: every slot is taken and no completed
// voice is evictable right now.
var ErrCacheFull = errors.New("voicecache: all voice slots busy, retry later")

// Purger clears derived per-voice caches after an eviction. The grant
// cache and any duration caches hang off this.
type Purger interface {
	PurgeVoice(ctx context.Context, trackID, voiceID string) error
}

// Manager gates voice-variant generation against the per-track budget.
type Manager struct {
	db           *store.Store
	tracker      *Tracker
	popular      popularity.Service
	purger       Purger
	segmentsRoot string
	idleTimeout  time.Duration
	staleness    time.Duration
}

// Options wires a Manager.
type Options struct {
	DB           *store.Store
	Tracker      *Tracker
	Popularity   popularity.Service
	Purger       Purger
	SegmentsRoot string
	IdleTimeout  time.Duration
	Staleness    time.Duration
}

// NewManager builds a Manager from explicit dependencies.
func NewManager(opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 90 * time.Minute
	}
	return &Manager{
		db:           opts.DB,
		tracker:      opts.Tracker,
		popular:      opts.Popularity,
		purger:       opts.Purger,
		segmentsRoot: opts.SegmentsRoot,
		idleTimeout:  opts.IdleTimeout,
		staleness:    opts.Staleness,
	}
}

// Admission reports the outcome of one admission check.
type Admission struct {
	Admitted   bool
	MaxVoices  int
	Completed  []string
	Inflight   []string
	Evicted    string
	DenyReason string
}

// Admit decides whether a new voice for the track may start generating,
// evicting an idle completed voice when the budget is exhausted. Called
// before the voice lock is acquired; a voice already completed or in
// flight is admitted without consuming a new slot.
func (m *Manager) Admit(ctx context.Context, track *store.Track, voiceID string) (Admission, error) {
	logger := log.WithComponent("voicecache")

	isPopular, err := m.popular.IsPopular(ctx, track.TrackID, track.OwnerID)
	if err != nil {
		return Admission{}, fmt.Errorf("popularity check: %w", err)
	}
	adm := Admission{MaxVoices: maxVoicesDefault}
	if isPopular {
		adm.MaxVoices = maxVoicesPopular
	}

	adm.Completed, err = m.CompletedVoices(track.TrackID)
	if err != nil {
		return Admission{}, err
	}
	generating, err := m.db.ListGeneratingVoices(ctx, track.TrackID, m.staleness)
	if err != nil {
		return Admission{}, fmt.Errorf("list inflight voices: %w", err)
	}
	for _, g := range generating {
		adm.Inflight = append(adm.Inflight, g.VoiceID)
	}

	for _, v := range append(append([]string{}, adm.Completed...), adm.Inflight...) {
		if v == voiceID {
			adm.Admitted = true
			return adm, nil
		}
	}

	if len(adm.Completed)+len(adm.Inflight) < adm.MaxVoices {
		adm.Admitted = true
		return adm, nil
	}

	candidate, err := m.evictionCandidate(ctx, track, adm.Completed)
	if err != nil {
		return Admission{}, err
	}
	if candidate == "" {
		metrics.VoiceAdmissionDeniedTotal.Inc()
		adm.DenyReason = ErrCacheFull.Error()
		logger.Info().
			Str(log.FieldTrackID, track.TrackID).
			Str(log.FieldVoiceID, voiceID).
			Int("max_voices", adm.MaxVoices).
			Msg("voice admission denied")
		return adm, ErrCacheFull
	}

	if err := m.Evict(ctx, track.TrackID, candidate); err != nil {
		return Admission{}, err
	}
	adm.Admitted = true
	adm.Evicted = candidate
	return adm, nil
}

// CompletedVoices lists voice ids with a materialised master playlist on
// disk, sorted for deterministic eviction order.
func (m *Manager) CompletedVoices(trackID string) ([]string, error) {
	entries, err := os.ReadDir(hls.TrackDir(m.segmentsRoot, trackID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan track dir: %w", err)
	}

	var voices []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), hls.VoicePrefix) {
			continue
		}
		voice := strings.TrimPrefix(e.Name(), hls.VoicePrefix)
		if _, err := os.Stat(hls.MasterPath(m.segmentsRoot, trackID, voice)); err == nil {
			voices = append(voices, voice)
		}
	}
	sort.Strings(voices)
	return voices, nil
}

func (m *Manager) evictionCandidate(ctx context.Context, track *store.Track, completed []string) (string, error) {
	cutoff := time.Now().Add(-m.idleTimeout)
	for _, voice := range completed {
		if voice == track.DefaultVoice {
			continue
		}
		idle, err := m.tracker.IdleSince(ctx, track.TrackID, voice, cutoff)
		if err != nil {
			return "", err
		}
		if idle {
			return voice, nil
		}
	}
	return "", nil
}

// Evict removes a voice variant's on-disk subtree and clears its derived
// caches.
func (m *Manager) Evict(ctx context.Context, trackID, voiceID string) error {
	dir := hls.StreamDir(m.segmentsRoot, trackID, voiceID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove voice dir: %w", err)
	}
	if err := m.tracker.Forget(ctx, trackID, voiceID); err != nil {
		return err
	}
	if m.purger != nil {
		if err := m.purger.PurgeVoice(ctx, trackID, voiceID); err != nil {
			return err
		}
	}
	if err := m.db.DeleteVoiceStatus(ctx, trackID, voiceID); err != nil {
		return fmt.Errorf("delete voice status: %w", err)
	}

	metrics.VoiceEvictionsTotal.Inc()
	logger := log.WithComponent("voicecache")
	logger.Info().
		Str(log.FieldTrackID, trackID).
		Str(log.FieldVoiceID, voiceID).
		Msg("voice variant evicted")
	return nil
}
