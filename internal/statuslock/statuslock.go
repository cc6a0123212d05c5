// SPDX-License-Identifier: MIT

// Package statuslock is the DB-backed per-(track, voice) mutex. The rows
// in sqlite are the cross-process truth; in-process serialization lives in
// the stream facade.
package statuslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/metrics"
	"github.com/tonehaven/tonehaven/internal/store"
)

const (
	// LockTimeoutMessage marks rows failed by staleness takeover or the
	// reaper.
	LockTimeoutMessage = "Lock timeout"
	// RestartMessage marks generating rows swept at startup.
	RestartMessage = "Server restarted during generation"

	// settleDelay tolerates shared-volume (NFS) sync lag before the
	// on-disk validation reads the playlist tree.
	settleDelay = 2 * time.Second

	reaperInterval = 30 * time.Minute
)

// ErrLockHeld is returned when another holder owns a fresh lock.
var ErrLockHeld = errors.New("statuslock: lock held")

// Manager wraps the store's lock primitives with on-disk validation and
// the reconcile/reaper duties.
type Manager struct {
	db           *store.Store
	segmentsRoot string
	staleness    time.Duration

	// settle is swapped in tests to avoid real sleeps.
	settle func(context.Context)
}

// Option tweaks a Manager.
type Option func(*Manager)

// WithSettleDelay overrides the pre-validation settle delay. Zero
// disables it; tests use that.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.settle = func(ctx context.Context) {
			if d <= 0 {
				return
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	}
}

// NewManager builds a Manager. staleness defaults to 90 minutes.
func NewManager(db *store.Store, segmentsRoot string, staleness time.Duration, opts ...Option) *Manager {
	if staleness <= 0 {
		staleness = 90 * time.Minute
	}
	m := &Manager{db: db, segmentsRoot: segmentsRoot, staleness: staleness}
	WithSettleDelay(settleDelay)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Staleness is the configured takeover threshold.
func (m *Manager) Staleness() time.Duration { return m.staleness }

// AcquireTrack takes the full-track lock. A stale previous holder is
// displaced; its voice row, if any, is failed with LockTimeoutMessage.
func (m *Manager) AcquireTrack(ctx context.Context, trackID, processType string) error {
	res, err := m.db.AcquireTrackLock(ctx, trackID, processType, m.staleness)
	if err != nil {
		return fmt.Errorf("acquire track lock: %w", err)
	}
	if !res.Acquired {
		return ErrLockHeld
	}
	if res.Takeover {
		logger := log.WithComponent("statuslock")
		logger.Warn().
			Str(log.FieldTrackID, trackID).
			Str("process_type", processType).
			Msg("stale track lock taken over")
		if res.DisplacedVoice != "" {
			if err := m.db.ReleaseVoiceLock(ctx, trackID, res.DisplacedVoice, store.VoiceFailed, LockTimeoutMessage); err != nil {
				logger.Error().Err(err).
					Str(log.FieldTrackID, trackID).
					Str(log.FieldVoiceID, res.DisplacedVoice).
					Msg("failing displaced voice row")
			}
		}
	}
	return nil
}

// AcquireVoice takes the per-voice lock.
func (m *Manager) AcquireVoice(ctx context.Context, trackID, voiceID string) error {
	acquired, takeover, err := m.db.AcquireVoiceLock(ctx, trackID, voiceID, m.staleness)
	if err != nil {
		return fmt.Errorf("acquire voice lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}
	if takeover {
		logger := log.WithComponent("statuslock")
		logger.Warn().
			Str(log.FieldTrackID, trackID).
			Str(log.FieldVoiceID, voiceID).
			Msg("stale voice lock taken over")
	}
	if err := m.db.SetProcessingVoice(ctx, trackID, voiceID); err != nil {
		return fmt.Errorf("record processing voice: %w", err)
	}
	return nil
}

// ReleaseTrack releases the full-track lock. A successful release is
// demoted to failed when the on-disk tree does not validate.
func (m *Manager) ReleaseTrack(ctx context.Context, trackID string, success bool, errorMessage string) error {
	logger := log.WithComponent("statuslock")
	final := store.ProcessingFailed
	if success {
		if state := m.validate(ctx, trackID, ""); state.Ready {
			final = store.ProcessingComplete
		} else {
			logger.Error().
				Str(log.FieldTrackID, trackID).
				Str("reason", state.Reason).
				Msg("release demoted to failed, stream did not validate")
		}
	}
	if err := m.db.ReleaseTrackLock(ctx, trackID, final); err != nil {
		return fmt.Errorf("release track lock: %w", err)
	}
	if final == store.ProcessingFailed && errorMessage != "" {
		logger.Error().
			Str(log.FieldTrackID, trackID).
			Str("error_message", errorMessage).
			Msg("track processing failed")
	}
	return nil
}

// ReleaseVoice releases the per-voice lock, validating the voice subtree
// on success, and clears the track's processing_voice pointer.
func (m *Manager) ReleaseVoice(ctx context.Context, trackID, voiceID string, success bool, errorMessage string) error {
	final := store.VoiceComplete
	msg := ""
	if success {
		if state := m.validate(ctx, trackID, voiceID); !state.Ready {
			final = store.VoiceFailed
			msg = "HLS validation failed: " + state.Reason
			logger := log.WithComponent("statuslock")
			logger.Error().
				Str(log.FieldTrackID, trackID).
				Str(log.FieldVoiceID, voiceID).
				Str("reason", state.Reason).
				Msg("voice release demoted to failed")
		}
	} else {
		final = store.VoiceFailed
		msg = errorMessage
	}
	if err := m.db.ReleaseVoiceLock(ctx, trackID, voiceID, final, msg); err != nil {
		return fmt.Errorf("release voice lock: %w", err)
	}
	if err := m.db.SetProcessingVoice(ctx, trackID, ""); err != nil {
		return fmt.Errorf("clear processing voice: %w", err)
	}
	return nil
}

// validate applies the on-disk readiness check after the settle delay.
func (m *Manager) validate(ctx context.Context, trackID, voiceID string) hls.ReadyState {
	m.settle(ctx)
	return hls.CheckReady(m.segmentsRoot, trackID, voiceID)
}

// StartupReconcile resolves lock state left behind by a dead process:
// interrupted tracks become complete when their tree validates and failed
// otherwise, generating voice rows are swept to failed, and voice
// directories without a master playlist are removed.
func (m *Manager) StartupReconcile(ctx context.Context) error {
	logger := log.WithComponent("statuslock")

	interrupted, err := m.db.ListInterruptedProcessing(ctx)
	if err != nil {
		return fmt.Errorf("list interrupted tracks: %w", err)
	}
	for _, tr := range interrupted {
		state := hls.CheckReady(m.segmentsRoot, tr.TrackID, "")
		final := store.ProcessingFailed
		if state.Ready {
			final = store.ProcessingComplete
			if err := m.db.MarkHLSReady(ctx, tr.TrackID, state.Duration); err != nil {
				logger.Error().Err(err).Str(log.FieldTrackID, tr.TrackID).Msg("marking reconciled track ready")
			}
		}
		if err := m.db.ReleaseTrackLock(ctx, tr.TrackID, final); err != nil {
			logger.Error().Err(err).Str(log.FieldTrackID, tr.TrackID).Msg("reconciling interrupted track")
			continue
		}
		logger.Info().
			Str(log.FieldTrackID, tr.TrackID).
			Str("final", string(final)).
			Msg("interrupted track reconciled")
	}

	swept, err := m.db.FailAllGenerating(ctx, RestartMessage)
	if err != nil {
		return fmt.Errorf("sweep generating voices: %w", err)
	}
	if swept > 0 {
		logger.Warn().Int64("count", swept).Msg("generating voice rows failed after restart")
	}

	m.removeIncompleteVoiceDirs()
	return nil
}

// removeIncompleteVoiceDirs deletes voice-<id>/ residue lacking a master
// playlist.
func (m *Manager) removeIncompleteVoiceDirs() {
	logger := log.WithComponent("statuslock")
	tracks, err := os.ReadDir(m.segmentsRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error().Err(err).Msg("scanning segments root")
		}
		return
	}
	for _, trackEntry := range tracks {
		if !trackEntry.IsDir() {
			continue
		}
		trackID := trackEntry.Name()
		voices, err := os.ReadDir(hls.TrackDir(m.segmentsRoot, trackID))
		if err != nil {
			continue
		}
		for _, v := range voices {
			if !v.IsDir() || !strings.HasPrefix(v.Name(), hls.VoicePrefix) {
				continue
			}
			voiceID := strings.TrimPrefix(v.Name(), hls.VoicePrefix)
			if _, err := os.Stat(hls.MasterPath(m.segmentsRoot, trackID, voiceID)); err == nil {
				continue
			}
			dir := hls.StreamDir(m.segmentsRoot, trackID, voiceID)
			if err := os.RemoveAll(dir); err != nil {
				logger.Error().Err(err).Str("dir", dir).Msg("removing incomplete voice dir")
				continue
			}
			logger.Warn().
				Str(log.FieldTrackID, trackID).
				Str(log.FieldVoiceID, voiceID).
				Msg("incomplete voice directory removed")
		}
	}
}

// RunReaper fails stale locks every 30 minutes until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapStaleLocks(ctx)
		}
	}
}

// ReapStaleLocks fails every track whose lock exceeded the staleness
// threshold, and its voice row when one is pointed at.
func (m *Manager) ReapStaleLocks(ctx context.Context) {
	logger := log.WithComponent("statuslock")
	stale, err := m.db.ListStaleLocks(ctx, m.staleness)
	if err != nil {
		logger.Error().Err(err).Msg("listing stale locks")
		return
	}
	for _, tr := range stale {
		if tr.ProcessingVoice != "" {
			if err := m.db.ReleaseVoiceLock(ctx, tr.TrackID, tr.ProcessingVoice, store.VoiceFailed, LockTimeoutMessage); err != nil {
				logger.Error().Err(err).
					Str(log.FieldTrackID, tr.TrackID).
					Str(log.FieldVoiceID, tr.ProcessingVoice).
					Msg("failing stale voice row")
			}
		}
		if err := m.db.ReleaseTrackLock(ctx, tr.TrackID, store.ProcessingFailed); err != nil {
			logger.Error().Err(err).Str(log.FieldTrackID, tr.TrackID).Msg("failing stale track lock")
			continue
		}
		metrics.StaleLocksReapedTotal.Inc()
		logger.Warn().
			Str(log.FieldTrackID, tr.TrackID).
			Dur("staleness", m.staleness).
			Msg("stale lock reaped")
	}
}
