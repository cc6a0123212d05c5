// SPDX-License-Identifier: MIT

package store

import (
	"context"
)

// PutTextSegment records one ordered TTS text segment.
func (s *Store) PutTextSegment(ctx context.Context, trackID string, segIndex int, body string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tts_text_segments (track_id, seg_index, body) VALUES (?, ?, ?)
		ON CONFLICT(track_id, seg_index) DO UPDATE SET body = excluded.body`,
		trackID, segIndex, body)
	return err
}

// PutVoiceSegment records a rendered per-voice audio segment with its
// measured duration.
func (s *Store) PutVoiceSegment(ctx context.Context, vs *VoiceSegment) error {
	if vs.Status == "" {
		vs.Status = "ready"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tts_voice_segments (track_id, voice_id, seg_index, actual_duration, status, file_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id, voice_id, seg_index) DO UPDATE SET
			actual_duration = excluded.actual_duration,
			status = excluded.status,
			file_path = excluded.file_path`,
		vs.TrackID, vs.VoiceID, vs.SegIndex, vs.ActualDuration, vs.Status, vs.FilePath)
	return err
}

// VoiceDuration is SUM(actual_duration) over the voice's ready segments.
// Zero when the voice has no rendered segments yet.
func (s *Store) VoiceDuration(ctx context.Context, trackID, voiceID string) (float64, error) {
	var d float64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(actual_duration), 0)
		FROM tts_voice_segments
		WHERE track_id = ? AND voice_id = ? AND status = 'ready'`,
		trackID, voiceID).Scan(&d)
	return d, err
}

// ListVoiceSegments returns the rendered segments for (track, voice) in order.
func (s *Store) ListVoiceSegments(ctx context.Context, trackID, voiceID string) ([]*VoiceSegment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT track_id, voice_id, seg_index, actual_duration, status, file_path
		FROM tts_voice_segments
		WHERE track_id = ? AND voice_id = ?
		ORDER BY seg_index`,
		trackID, voiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*VoiceSegment
	for rows.Next() {
		var vs VoiceSegment
		if err := rows.Scan(&vs.TrackID, &vs.VoiceID, &vs.SegIndex, &vs.ActualDuration, &vs.Status, &vs.FilePath); err != nil {
			return nil, err
		}
		out = append(out, &vs)
	}
	return out, rows.Err()
}

// DeleteVoiceSegments removes all rendered segments for (track, voice).
func (s *Store) DeleteVoiceSegments(ctx context.Context, trackID, voiceID string) error {
	_, err := s.DB.ExecContext(ctx,
		"DELETE FROM tts_voice_segments WHERE track_id = ? AND voice_id = ?",
		trackID, voiceID)
	return err
}

// ReplaceSegmentIndex atomically replaces the measured segment boundaries
// for a stream. voiceID is empty for the plain-audio variant.
func (s *Store) ReplaceSegmentIndex(ctx context.Context, trackID, voiceID string, entries []SegmentIndexEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM segment_index WHERE track_id = ? AND voice_id = ?",
		trackID, voiceID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO segment_index (track_id, voice_id, seg_index, start, duration) VALUES (?, ?, ?, ?, ?)",
			trackID, voiceID, e.SegIndex, e.Start, e.Duration); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SegmentIndexEntries returns the stored boundaries for a stream in order.
func (s *Store) SegmentIndexEntries(ctx context.Context, trackID, voiceID string) ([]SegmentIndexEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seg_index, start, duration FROM segment_index
		WHERE track_id = ? AND voice_id = ? ORDER BY seg_index`,
		trackID, voiceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SegmentIndexEntry
	for rows.Next() {
		var e SegmentIndexEntry
		if err := rows.Scan(&e.SegIndex, &e.Start, &e.Duration); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSegmentIndex removes every boundary row of a track (all voices).
func (s *Store) DeleteSegmentIndex(ctx context.Context, trackID string) error {
	_, err := s.DB.ExecContext(ctx,
		"DELETE FROM segment_index WHERE track_id = ?", trackID)
	return err
}
