// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AcquireVoiceLock upserts a generating row for (track, voice). The
// conflict policy mirrors the full-track lock: acquisition succeeds when no
// row exists, the existing row is terminal, or the existing generating row
// is older than staleness. Returns whether the lock was taken and whether
// a stale holder was displaced.
func (s *Store) AcquireVoiceLock(ctx context.Context, trackID, voiceID string, staleness time.Duration) (acquired, takeover bool, err error) {
	now := nowMS()
	cutoff := now - staleness.Milliseconds()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status VoiceStatus
	var startedAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at_ms FROM voice_generation_status WHERE track_id = ? AND voice_id = ?",
		trackID, voiceID).Scan(&status, &startedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First attempt for this voice.
	case err != nil:
		return false, false, err
	case status == VoiceGenerating && startedAt >= cutoff:
		return false, false, tx.Commit()
	case status == VoiceGenerating:
		takeover = true
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO voice_generation_status (track_id, voice_id, status, started_at_ms, completed_at_ms, error_message)
		VALUES (?, ?, ?, ?, NULL, '')
		ON CONFLICT(track_id, voice_id) DO UPDATE SET
			status = excluded.status,
			started_at_ms = excluded.started_at_ms,
			completed_at_ms = NULL,
			error_message = ''
		WHERE voice_generation_status.status != ? OR voice_generation_status.started_at_ms < ?`,
		trackID, voiceID, VoiceGenerating, now, VoiceGenerating, cutoff)
	if err != nil {
		return false, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	if n == 0 {
		// Raced with a concurrent acquirer.
		return false, false, tx.Commit()
	}

	return true, takeover, tx.Commit()
}

// ReleaseVoiceLock moves the (track, voice) row to a terminal state.
func (s *Store) ReleaseVoiceLock(ctx context.Context, trackID, voiceID string, final VoiceStatus, errorMessage string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE voice_generation_status
		SET status = ?, completed_at_ms = ?, error_message = ?
		WHERE track_id = ? AND voice_id = ?`,
		final, nowMS(), errorMessage, trackID, voiceID)
	return err
}

// GetVoiceStatus returns the generation row for (track, voice).
func (s *Store) GetVoiceStatus(ctx context.Context, trackID, voiceID string) (*VoiceGeneration, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT track_id, voice_id, status, started_at_ms, completed_at_ms, error_message
		FROM voice_generation_status WHERE track_id = ? AND voice_id = ?`,
		trackID, voiceID)
	return scanVoiceGeneration(row)
}

// ListGeneratingVoices returns voices of a track with a fresh generating row.
func (s *Store) ListGeneratingVoices(ctx context.Context, trackID string, staleness time.Duration) ([]*VoiceGeneration, error) {
	cutoff := nowMS() - staleness.Milliseconds()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT track_id, voice_id, status, started_at_ms, completed_at_ms, error_message
		FROM voice_generation_status
		WHERE track_id = ? AND status = ? AND started_at_ms >= ?`,
		trackID, VoiceGenerating, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*VoiceGeneration
	for rows.Next() {
		g, err := scanVoiceGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// FailAllGenerating sweeps every generating row to failed with the given
// message. Used by the startup reconciler.
func (s *Store) FailAllGenerating(ctx context.Context, message string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE voice_generation_status
		SET status = ?, completed_at_ms = ?, error_message = ?
		WHERE status = ?`,
		VoiceFailed, nowMS(), message, VoiceGenerating)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// VoiceIDsForTrack returns every voice id known for the track, from both
// the generation table and the voice-segment table.
func (s *Store) VoiceIDsForTrack(ctx context.Context, trackID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT voice_id FROM voice_generation_status WHERE track_id = ?
		UNION
		SELECT voice_id FROM tts_voice_segments WHERE track_id = ?`,
		trackID, trackID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteVoiceStatus removes the generation row for (track, voice).
func (s *Store) DeleteVoiceStatus(ctx context.Context, trackID, voiceID string) error {
	_, err := s.DB.ExecContext(ctx,
		"DELETE FROM voice_generation_status WHERE track_id = ? AND voice_id = ?",
		trackID, voiceID)
	return err
}

func scanVoiceGeneration(r rowScanner) (*VoiceGeneration, error) {
	var g VoiceGeneration
	var startedAt int64
	var completedAt sql.NullInt64
	err := r.Scan(&g.TrackID, &g.VoiceID, &g.Status, &startedAt, &completedAt, &g.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.StartedAt = time.UnixMilli(startedAt)
	g.CompletedAt = msToTime(completedAt)
	return &g, nil
}
