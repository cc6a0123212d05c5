// SPDX-License-Identifier: MIT

// Package hls knows the on-disk HLS layout and the playlist format shared
// by the preparer, the status lock and the stream facade.
package hls

import (
	"fmt"
	"path/filepath"
	"strings"
)

// On-disk layout:
//
//	segments/{track_id}/master.m3u8
//	segments/{track_id}/default/playlist.m3u8
//	segments/{track_id}/default/segment_00000.ts ...
//	segments/{track_id}/index.json
//	segments/{track_id}/voice-{voice_id}/...            (TTS per voice)
//	segments/{track_id}/voice-{voice_id}/timings.zst
const (
	MasterName   = "master.m3u8"
	VariantDir   = "default"
	PlaylistName = "playlist.m3u8"
	IndexName    = "index.json"
	TimingsName  = "timings.zst"
	VoicePrefix  = "voice-"
)

// StreamID composes the pool key for (track, voice).
func StreamID(trackID, voiceID string) string {
	if voiceID == "" {
		return trackID
	}
	return trackID + "/" + VoicePrefix + voiceID
}

// SplitStreamID is the inverse of StreamID.
func SplitStreamID(streamID string) (trackID, voiceID string) {
	trackID, rest, ok := strings.Cut(streamID, "/")
	if !ok {
		return streamID, ""
	}
	return trackID, strings.TrimPrefix(rest, VoicePrefix)
}

// TrackDir is the root of a track's HLS subtree.
func TrackDir(root, trackID string) string {
	return filepath.Join(root, trackID)
}

// StreamDir is the subtree a single preparation task owns: the track dir
// for plain audio, the voice dir for a TTS voice.
func StreamDir(root, trackID, voiceID string) string {
	if voiceID == "" {
		return TrackDir(root, trackID)
	}
	return filepath.Join(root, trackID, VoicePrefix+voiceID)
}

// MasterPath is the master playlist of a stream.
func MasterPath(root, trackID, voiceID string) string {
	return filepath.Join(StreamDir(root, trackID, voiceID), MasterName)
}

// VariantPlaylistPath is the single variant playlist of a stream.
func VariantPlaylistPath(root, trackID, voiceID string) string {
	return filepath.Join(StreamDir(root, trackID, voiceID), VariantDir, PlaylistName)
}

// VariantDirPath is the directory holding the variant playlist and segments.
func VariantDirPath(root, trackID, voiceID string) string {
	return filepath.Join(StreamDir(root, trackID, voiceID), VariantDir)
}

// SegmentName formats the canonical segment file name.
func SegmentName(index int) string {
	return fmt.Sprintf("segment_%05d.ts", index)
}

// IndexPath is the measured-durations sidecar of a stream.
func IndexPath(root, trackID, voiceID string) string {
	return filepath.Join(StreamDir(root, trackID, voiceID), IndexName)
}

// TimingsPath is the consolidated word-timings blob of a TTS voice.
func TimingsPath(root, trackID, voiceID string) string {
	return filepath.Join(StreamDir(root, trackID, voiceID), TimingsName)
}

// IsSegmentName reports whether name looks like segment_NNNNN.ts.
func IsSegmentName(name string) bool {
	return strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts")
}
