// SPDX-License-Identifier: MIT

// Package stream is the facade the request layer consumes: readiness
// decisions, regeneration, progress and cleanup for one (track, voice).
package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tonehaven/tonehaven/internal/grant"
	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/prep"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/timing"
	"github.com/tonehaven/tonehaven/internal/voicecache"
)

// RetryAfter is the polling hint returned with 202 responses.
const RetryAfter = 5 * time.Second

// Manager coordinates stream readiness. A per-track in-process mutex
// serializes concurrent arrivals on one track; the DB status lock stays
// the cross-process truth.
type Manager struct {
	db           *store.Store
	pool         *prep.Pool
	preparer     *prep.Preparer
	locks        *statuslock.Manager
	voices       *voicecache.Manager
	tracker      *voicecache.Tracker
	grants       *grant.Cache
	segmentsRoot string

	mu       sync.Mutex
	perTrack map[string]*sync.Mutex
}

// Options wires a Manager.
type Options struct {
	DB           *store.Store
	Pool         *prep.Pool
	Preparer     *prep.Preparer
	Locks        *statuslock.Manager
	Voices       *voicecache.Manager
	Tracker      *voicecache.Tracker
	Grants       *grant.Cache
	SegmentsRoot string
}

// NewManager builds the facade from explicit dependencies.
func NewManager(opts Options) *Manager {
	return &Manager{
		db:           opts.DB,
		pool:         opts.Pool,
		preparer:     opts.Preparer,
		locks:        opts.Locks,
		voices:       opts.Voices,
		tracker:      opts.Tracker,
		grants:       opts.Grants,
		segmentsRoot: opts.SegmentsRoot,
	}
}

// SetVoiceCache wires the admission manager after construction; the
// voice cache needs this Manager as its purger, so the two are linked in
// a second step.
func (m *Manager) SetVoiceCache(v *voicecache.Manager) { m.voices = v }

func (m *Manager) trackMutex(trackID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perTrack == nil {
		m.perTrack = make(map[string]*sync.Mutex)
	}
	l, ok := m.perTrack[trackID]
	if !ok {
		l = &sync.Mutex{}
		m.perTrack[trackID] = l
	}
	return l
}

// Request identifies the stream artifact a client asked for.
type Request struct {
	TrackID string
	VoiceID string
	// Filename is the artifact inside the stream dir (master.m3u8,
	// default/playlist.m3u8, default/segment_00001.ts, timings.zst).
	Filename string
	// SkipLockCheck means the caller already holds the status lock.
	SkipLockCheck bool
}

// Response is either a servable file or a retry hint.
type Response struct {
	Ready bool
	// Path is the absolute file to serve when Ready.
	Path string
	// RetryAfter is set when the stream is still being prepared.
	RetryAfter time.Duration
	// VoiceID echoes the voice being prepared, for the X-Voice-ID header.
	VoiceID string
}

// ErrDenied wraps voice-cache admission denials; retryable by the client.
var ErrDenied = voicecache.ErrCacheFull

// GetStreamResponse decides between serving, 202-and-wait, and kicking off
// regeneration.
func (m *Manager) GetStreamResponse(ctx context.Context, req Request) (Response, error) {
	l := m.trackMutex(req.TrackID)
	l.Lock()
	defer l.Unlock()

	streamID := hls.StreamID(req.TrackID, req.VoiceID)

	// In-flight work wins: never serve a partial tree.
	if v, ok := m.pool.Snapshot(streamID); ok && !v.Status.Terminal() {
		return Response{RetryAfter: RetryAfter, VoiceID: req.VoiceID}, nil
	}

	if state := hls.CheckReady(m.segmentsRoot, req.TrackID, req.VoiceID); state.Ready {
		path := filepath.Join(hls.StreamDir(m.segmentsRoot, req.TrackID, req.VoiceID), filepath.FromSlash(req.Filename))
		if _, err := os.Stat(path); err == nil {
			return Response{Ready: true, Path: path, VoiceID: req.VoiceID}, nil
		}
		// Ready tree but the artifact is missing: fall through to
		// regeneration for a stale or renumbered segment.
	}

	if err := m.queueRegeneration(ctx, req, streamID); err != nil {
		return Response{}, err
	}
	return Response{RetryAfter: RetryAfter, VoiceID: req.VoiceID}, nil
}

func (m *Manager) queueRegeneration(ctx context.Context, req Request, streamID string) error {
	track, err := m.db.GetTrack(ctx, req.TrackID)
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}

	lockHeld := req.SkipLockCheck
	if !lockHeld {
		if req.VoiceID != "" {
			if _, err := m.voices.Admit(ctx, track, req.VoiceID); err != nil {
				return err
			}
			err = m.locks.AcquireVoice(ctx, req.TrackID, req.VoiceID)
		} else {
			err = m.locks.AcquireTrack(ctx, req.TrackID, "regenerate")
		}
		switch {
		case errors.Is(err, statuslock.ErrLockHeld):
			// Another process is on it; the client polls.
			return nil
		case err != nil:
			return err
		}
		lockHeld = true
	}

	task := &prep.Task{
		StreamID:        streamID,
		TrackID:         req.TrackID,
		VoiceID:         req.VoiceID,
		Filename:        track.FilePath,
		FileSize:        track.FileSize,
		Priority:        prep.PriorityForSize(track.FileSize),
		VariantType:     track.VariantType,
		LockAlreadyHeld: lockHeld,
	}
	if _, _, err := m.pool.Queue(task, m.preparer.Prepare); err != nil {
		// Roll back the lock we just took before surfacing the failure.
		m.rollbackLock(ctx, req)
		return fmt.Errorf("queue preparation: %w", err)
	}
	return nil
}

func (m *Manager) rollbackLock(ctx context.Context, req Request) {
	logger := log.WithComponent("stream")
	if req.VoiceID != "" {
		if err := m.locks.ReleaseVoice(ctx, req.TrackID, req.VoiceID, false, "failed to queue preparation"); err != nil {
			logger.Error().Err(err).Str(log.FieldTrackID, req.TrackID).Msg("rolling back voice lock")
		}
		return
	}
	if err := m.locks.ReleaseTrack(ctx, req.TrackID, false, "failed to queue preparation"); err != nil {
		logger.Error().Err(err).Str(log.FieldTrackID, req.TrackID).Msg("rolling back track lock")
	}
}

// Progress is the answer to a progress poll.
type Progress struct {
	Status        string  `json:"status"`
	Percent       float64 `json:"percent"`
	TotalDuration float64 `json:"total_duration,omitempty"`
	WordsMapped   int     `json:"words_mapped,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// GetSegmentProgress answers from the task map first, then falls back to
// the on-disk playlist, then reports not_found.
func (m *Manager) GetSegmentProgress(trackID, voiceID string) Progress {
	streamID := hls.StreamID(trackID, voiceID)
	if v, ok := m.pool.Snapshot(streamID); ok {
		return Progress{
			Status:        string(v.Status),
			Percent:       v.Percent(),
			TotalDuration: v.TotalDuration,
			WordsMapped:   v.WordsMapped,
			ErrorMessage:  v.ErrorMessage,
		}
	}

	pl, err := hls.ParsePlaylistFile(hls.VariantPlaylistPath(m.segmentsRoot, trackID, voiceID))
	if err != nil {
		return Progress{Status: "not_found"}
	}
	total := pl.TotalDuration()
	if pl.HasEndlist {
		return Progress{Status: string(prep.StatusComplete), Percent: 100, TotalDuration: total}
	}

	// Without the probe we only know the written prefix; report against
	// the known duration, capped below completion. Voice variants have
	// their own rendered length when segment rows exist.
	percent := 0.0
	expected := 0.0
	ctx := context.Background()
	if voiceID != "" {
		if d, err := m.db.VoiceDuration(ctx, trackID, voiceID); err == nil && d > 0 {
			expected = d
		}
	}
	if expected == 0 {
		if tr, err := m.db.GetTrack(ctx, trackID); err == nil {
			expected = tr.Duration
		}
	}
	if expected > 0 {
		percent = total / expected * 100
		if percent > 99 {
			percent = 99
		}
	}
	return Progress{Status: string(prep.StatusCreatingSegments), Percent: percent, TotalDuration: total}
}

// RecordSegmentAccess feeds the voice access tracker; called on every
// served segment.
func (m *Manager) RecordSegmentAccess(ctx context.Context, trackID, voiceID, segmentName string) {
	if m.tracker == nil || voiceID == "" {
		return
	}
	if err := m.tracker.RecordAccess(ctx, trackID, voiceID, segmentName); err != nil {
		logger := log.WithComponent("stream")
		logger.Warn().Err(err).
			Str(log.FieldTrackID, trackID).
			Str(log.FieldVoiceID, voiceID).
			Msg("recording segment access")
	}
}

// InvalidateGrants drops every cached grant for a track; called after its
// content version changes or its assets go away.
func (m *Manager) InvalidateGrants(ctx context.Context, trackID string) error {
	if m.grants == nil {
		return nil
	}
	_, err := m.grants.PurgeTrack(ctx, trackID)
	return err
}

// PurgeVoice implements voicecache.Purger: cached grants for the track go
// away when any of its voice variants does.
func (m *Manager) PurgeVoice(ctx context.Context, trackID, _ string) error {
	return m.InvalidateGrants(ctx, trackID)
}

// CleanupStream removes the whole on-disk tree of a track plus its cached
// state and segment-index rows.
func (m *Manager) CleanupStream(ctx context.Context, trackID string) error {
	l := m.trackMutex(trackID)
	l.Lock()
	defer l.Unlock()

	m.pool.CancelTrack(trackID)

	if err := os.RemoveAll(hls.TrackDir(m.segmentsRoot, trackID)); err != nil {
		return fmt.Errorf("remove stream tree: %w", err)
	}

	if m.tracker != nil {
		voices, err := m.db.VoiceIDsForTrack(ctx, trackID)
		if err == nil {
			for _, v := range voices {
				_ = m.tracker.Forget(ctx, trackID, v)
			}
		}
	}
	if m.grants != nil {
		if _, err := m.grants.PurgeTrack(ctx, trackID); err != nil {
			return err
		}
	}
	if err := m.db.DeleteSegmentIndex(ctx, trackID); err != nil {
		return fmt.Errorf("delete segment index rows: %w", err)
	}

	logger := log.WithComponent("stream")
	logger.Info().
		Str(log.FieldTrackID, trackID).
		Msg("stream assets cleaned up")
	return nil
}

// TimingsFor loads the consolidated word timings for a voice.
func (m *Manager) TimingsFor(trackID, voiceID string) ([]timing.WordTiming, float64, error) {
	return timing.ReadConsolidated(m.segmentsRoot, trackID, voiceID)
}
