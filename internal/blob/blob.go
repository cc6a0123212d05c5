// SPDX-License-Identifier: MIT

// Package blob stores opaque media objects under deterministic keys.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/tonehaven/tonehaven/internal/log"
)

// ErrNotFound is returned when a key has no object behind it.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object-store surface the rest of the service depends on.
// Uploads are atomic at the visible key: readers never observe a partial
// object.
type Store interface {
	// Upload publishes the local file at the given key.
	Upload(ctx context.Context, localPath, key string) error
	// Download fetches the object into localPath.
	Download(ctx context.Context, key, localPath string) error
	// Delete removes the object. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// TrackKey is the storage key for a track's source audio.
func TrackKey(trackID string) string {
	return "audio/" + trackID + ".mp3"
}

// TTSVoiceKey is the storage key for a rendered TTS voice file.
func TTSVoiceKey(trackID, voiceID string) string {
	return fmt.Sprintf("audio/tts_%s_%s.mp3", trackID, voiceID)
}

// fallbackVoices is the best-effort set of common voice ids used when a
// track's own voice metadata is missing at deletion time.
var fallbackVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// Deletion is the per-key outcome of a bulk delete.
type Deletion struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
	Missing bool   `json:"missing,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeletionReport summarises a bulk delete. Partial deletion is allowed;
// callers inspect the entries for what actually happened.
type DeletionReport struct {
	Entries []Deletion `json:"entries"`
	Deleted int        `json:"deleted"`
	Failed  int        `json:"failed"`
}

// DeleteAllTTSVoices removes every rendered voice file for a track. The
// voice set comes from the caller (track record or voice-segment rows);
// when empty, the common-voice fallback list is swept instead.
func DeleteAllTTSVoices(ctx context.Context, store Store, trackID string, voices []string) DeletionReport {
	logger := log.WithComponent("blob")
	if len(voices) == 0 {
		voices = fallbackVoices
		logger.Warn().
			Str(log.FieldTrackID, trackID).
			Msg("no voice metadata, sweeping fallback voice list")
	}

	seen := make(map[string]struct{}, len(voices))
	var report DeletionReport
	for _, voice := range voices {
		if _, dup := seen[voice]; dup || voice == "" {
			continue
		}
		seen[voice] = struct{}{}

		key := TTSVoiceKey(trackID, voice)
		entry := Deletion{Key: key}
		switch err := store.Delete(ctx, key); {
		case err == nil:
			entry.Deleted = true
			report.Deleted++
		case errors.Is(err, ErrNotFound):
			entry.Missing = true
		default:
			entry.Error = err.Error()
			report.Failed++
			logger.Error().Err(err).
				Str(log.FieldTrackID, trackID).
				Str("key", key).
				Msg("voice file deletion failed")
		}
		report.Entries = append(report.Entries, entry)
	}

	logger.Info().
		Str(log.FieldTrackID, trackID).
		Int("deleted", report.Deleted).
		Int("failed", report.Failed).
		Msg("tts voice files swept")
	return report
}
