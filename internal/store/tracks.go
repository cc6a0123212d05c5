// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const trackColumns = `track_id, owner_id, album_id, title, file_path, variant_type,
	duration, codec, bitrate, sample_rate, channels, file_size, content_version,
	upload_status, processing_status, processing_voice, processing_locked_at_ms,
	processing_type, hls_ready, segmentation_status, default_voice,
	visibility_status, created_at_ms, updated_at_ms`

// CreateTrack inserts a new track row.
func (s *Store) CreateTrack(ctx context.Context, t *Track) error {
	now := nowMS()
	if t.ContentVersion == 0 {
		t.ContentVersion = 1
	}
	if t.VariantType == "" {
		t.VariantType = VariantAudio
	}
	if t.UploadStatus == "" {
		t.UploadStatus = UploadUploading
	}
	if t.ProcessingStatus == "" {
		t.ProcessingStatus = ProcessingIdle
	}
	if t.SegmentationStatus == "" {
		t.SegmentationStatus = SegmentationIncomplete
	}
	if t.VisibilityStatus == "" {
		t.VisibilityStatus = VisibilityVisible
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tracks (
			track_id, owner_id, album_id, title, file_path, variant_type,
			duration, codec, bitrate, sample_rate, channels, file_size,
			content_version, upload_status, processing_status, processing_type,
			hls_ready, segmentation_status, default_voice, visibility_status,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TrackID, t.OwnerID, t.AlbumID, t.Title, t.FilePath, t.VariantType,
		t.Duration, t.Codec, t.Bitrate, t.SampleRate, t.Channels, t.FileSize,
		t.ContentVersion, t.UploadStatus, t.ProcessingStatus, t.ProcessingType,
		boolToInt(t.HLSReady), t.SegmentationStatus, nullString(t.DefaultVoice),
		t.VisibilityStatus, now, now,
	)
	if err != nil {
		return fmt.Errorf("create track %s: %w", t.TrackID, err)
	}
	t.CreatedAt = time.UnixMilli(now)
	t.UpdatedAt = time.UnixMilli(now)
	return nil
}

// GetTrack returns the track with the given id, or ErrNotFound.
func (s *Store) GetTrack(ctx context.Context, trackID string) (*Track, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+trackColumns+" FROM tracks WHERE track_id = ?", trackID)
	return scanTrack(row)
}

// DeleteTrack removes a track; dependent rows cascade.
func (s *Store) DeleteTrack(ctx context.Context, trackID string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM tracks WHERE track_id = ?", trackID)
	return err
}

// ListTracksByAlbum returns all tracks of an album.
func (s *Store) ListTracksByAlbum(ctx context.Context, albumID string) ([]*Track, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+trackColumns+" FROM tracks WHERE album_id = ?", albumID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateMediaInfo records probed media attributes on the track.
func (s *Store) UpdateMediaInfo(ctx context.Context, trackID string, duration float64, codec string, bitrate int64, sampleRate, channels int, fileSize int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tracks SET duration = ?, codec = ?, bitrate = ?, sample_rate = ?,
			channels = ?, file_size = ?, updated_at_ms = ?
		WHERE track_id = ?`,
		duration, codec, bitrate, sampleRate, channels, fileSize, nowMS(), trackID)
	return err
}

// SetFilePath updates the source blob path.
func (s *Store) SetFilePath(ctx context.Context, trackID, path string) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE tracks SET file_path = ?, updated_at_ms = ? WHERE track_id = ?",
		path, nowMS(), trackID)
	return err
}

// SetUploadStatus transitions the upload lifecycle column.
func (s *Store) SetUploadStatus(ctx context.Context, trackID string, status UploadStatus) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE tracks SET upload_status = ?, updated_at_ms = ? WHERE track_id = ?",
		status, nowMS(), trackID)
	return err
}

// SetDefaultVoice records the voice that must never be evicted.
func (s *Store) SetDefaultVoice(ctx context.Context, trackID, voiceID string) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE tracks SET default_voice = ?, updated_at_ms = ? WHERE track_id = ?",
		nullString(voiceID), nowMS(), trackID)
	return err
}

// MarkHLSReady is called by the worker that holds the lock once the
// segment set is final.
func (s *Store) MarkHLSReady(ctx context.Context, trackID string, duration float64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tracks SET duration = ?, hls_ready = 1, segmentation_status = ?,
			upload_status = ?, updated_at_ms = ?
		WHERE track_id = ?`,
		duration, SegmentationComplete, UploadComplete, nowMS(), trackID)
	return err
}

// TrackLockResult describes the outcome of a full-track lock attempt.
type TrackLockResult struct {
	Acquired bool
	// Takeover is set when a stale lock was displaced; it names the voice
	// the prior owner was processing ("" for a full-track run).
	Takeover      bool
	DisplacedVoice string
}

// AcquireTrackLock performs the atomic conditional UPDATE that realises the
// full-track status lock. It succeeds when the track is unlocked, in a
// terminal state, or the current lock is older than staleness. A fresh
// voice-scoped run, visible through processing_voice pointing at a
// generating voice row, blocks acquisition the same way a fresh track
// lock does.
func (s *Store) AcquireTrackLock(ctx context.Context, trackID, processType string, staleness time.Duration) (TrackLockResult, error) {
	var res TrackLockResult
	now := nowMS()
	cutoff := now - staleness.Milliseconds()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	var status ProcessingStatus
	var lockedAt sql.NullInt64
	var voice sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT processing_status, processing_locked_at_ms, processing_voice FROM tracks WHERE track_id = ?",
		trackID).Scan(&status, &lockedAt, &voice)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}

	var voiceHeld, voiceStale bool
	if voice.Valid {
		var vStatus VoiceStatus
		var vStartedAt int64
		err = tx.QueryRowContext(ctx,
			"SELECT status, started_at_ms FROM voice_generation_status WHERE track_id = ? AND voice_id = ?",
			trackID, voice.String).Scan(&vStatus, &vStartedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Dangling pointer without a backing row does not block.
		case err != nil:
			return res, err
		case vStatus == VoiceGenerating && vStartedAt >= cutoff:
			voiceHeld = true
		case vStatus == VoiceGenerating:
			voiceStale = true
		}
	}

	held := (status == ProcessingGenerating || status == ProcessingSegmenting) &&
		lockedAt.Valid && lockedAt.Int64 >= cutoff
	if held || voiceHeld {
		return res, tx.Commit()
	}

	stale := (status == ProcessingGenerating || status == ProcessingSegmenting) &&
		lockedAt.Valid && lockedAt.Int64 < cutoff

	r, err := tx.ExecContext(ctx, `
		UPDATE tracks SET processing_status = ?, processing_voice = NULL,
			processing_locked_at_ms = ?, processing_type = ?, hls_ready = 0,
			updated_at_ms = ?
		WHERE track_id = ?
		  AND (processing_locked_at_ms IS NULL
		       OR processing_status NOT IN (?, ?)
		       OR processing_locked_at_ms < ?)
		  AND (processing_voice IS NULL
		       OR NOT EXISTS (
		           SELECT 1 FROM voice_generation_status v
		           WHERE v.track_id = tracks.track_id
		             AND v.voice_id = tracks.processing_voice
		             AND v.status = ?
		             AND v.started_at_ms >= ?))`,
		ProcessingGenerating, now, processType, now, trackID,
		ProcessingGenerating, ProcessingSegmenting, cutoff,
		VoiceGenerating, cutoff)
	if err != nil {
		return res, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return res, err
	}
	if n == 0 {
		// Raced with another acquirer between the SELECT and the UPDATE.
		return res, tx.Commit()
	}

	res.Acquired = true
	if stale || voiceStale {
		res.Takeover = true
		if voice.Valid {
			res.DisplacedVoice = voice.String
		}
	}
	return res, tx.Commit()
}

// ReleaseTrackLock ends a full-track run by moving the track to a terminal
// processing state. The caller decides complete vs failed; HLS validation
// happens in the statuslock layer.
func (s *Store) ReleaseTrackLock(ctx context.Context, trackID string, final ProcessingStatus) error {
	if final != ProcessingComplete && final != ProcessingFailed {
		return fmt.Errorf("release track lock: %q is not terminal", final)
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tracks SET processing_status = ?, processing_voice = NULL,
			processing_locked_at_ms = NULL, updated_at_ms = ?
		WHERE track_id = ?`,
		final, nowMS(), trackID)
	return err
}

// SetProcessingVoice tags the track row with the voice a voice-scoped run
// is generating, without disturbing the lock timestamp.
func (s *Store) SetProcessingVoice(ctx context.Context, trackID, voiceID string) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE tracks SET processing_voice = ?, updated_at_ms = ? WHERE track_id = ?",
		nullString(voiceID), nowMS(), trackID)
	return err
}

// BumpContentVersion invalidates outstanding grant tokens for a track.
func (s *Store) BumpContentVersion(ctx context.Context, trackID string) (int64, error) {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE tracks SET content_version = content_version + 1, updated_at_ms = ? WHERE track_id = ?",
		nowMS(), trackID)
	if err != nil {
		return 0, err
	}
	var v int64
	err = s.DB.QueryRowContext(ctx,
		"SELECT content_version FROM tracks WHERE track_id = ?", trackID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return v, err
}

// BumpContentVersionForAlbum increments the content version of every track
// in the album and returns the affected track ids.
func (s *Store) BumpContentVersionForAlbum(ctx context.Context, albumID string) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT track_id FROM tracks WHERE album_id = ?", albumID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	_, err = tx.ExecContext(ctx,
		"UPDATE tracks SET content_version = content_version + 1, updated_at_ms = ? WHERE album_id = ?",
		nowMS(), albumID)
	if err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// ListInterruptedProcessing returns tracks left mid-run by a crashed
// process (startup reconcile input).
func (s *Store) ListInterruptedProcessing(ctx context.Context) ([]*Track, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+trackColumns+" FROM tracks WHERE processing_status IN (?, ?)",
		ProcessingGenerating, ProcessingSegmenting)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListStaleLocks returns tracks whose lock exceeds the staleness threshold.
func (s *Store) ListStaleLocks(ctx context.Context, staleness time.Duration) ([]*Track, error) {
	cutoff := nowMS() - staleness.Milliseconds()
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+trackColumns+` FROM tracks
		 WHERE processing_status IN (?, ?) AND processing_locked_at_ms < ?`,
		ProcessingGenerating, ProcessingSegmenting, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListStuckUploads finds tracks abandoned mid-upload: still marked
// processing, never probed, older than maxAge, and either untouched
// recently or still pointing at a temp blob path.
func (s *Store) ListStuckUploads(ctx context.Context, maxAge, updateGrace time.Duration) ([]*Track, error) {
	now := nowMS()
	createdCutoff := now - maxAge.Milliseconds()
	updatedCutoff := now - updateGrace.Milliseconds()
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+trackColumns+` FROM tracks
		 WHERE upload_status = ? AND duration = 0 AND created_at_ms < ?
		   AND (updated_at_ms < ? OR file_path LIKE 'temp:%')`,
		UploadProcessing, createdCutoff, updatedCutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(r rowScanner) (*Track, error) {
	var t Track
	var voice, defaultVoice sql.NullString
	var lockedAt sql.NullInt64
	var hlsReady int
	var createdAt, updatedAt int64

	err := r.Scan(
		&t.TrackID, &t.OwnerID, &t.AlbumID, &t.Title, &t.FilePath, &t.VariantType,
		&t.Duration, &t.Codec, &t.Bitrate, &t.SampleRate, &t.Channels, &t.FileSize,
		&t.ContentVersion, &t.UploadStatus, &t.ProcessingStatus, &voice, &lockedAt,
		&t.ProcessingType, &hlsReady, &t.SegmentationStatus, &defaultVoice,
		&t.VisibilityStatus, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.ProcessingVoice = voice.String
	t.DefaultVoice = defaultVoice.String
	t.ProcessingLockedAt = msToTime(lockedAt)
	t.HLSReady = hlsReady != 0
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
