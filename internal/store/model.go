// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// VariantType distinguishes plain audio tracks from TTS tracks.
type VariantType string

const (
	VariantAudio VariantType = "audio"
	VariantTTS   VariantType = "tts"
)

// UploadStatus tracks the upload lifecycle of a track.
type UploadStatus string

const (
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadComplete   UploadStatus = "complete"
	UploadFailed     UploadStatus = "failed"
)

// ProcessingStatus carries the lock and transcode state of a track.
// Kept separate from UploadStatus; see DESIGN.md.
type ProcessingStatus string

const (
	ProcessingIdle       ProcessingStatus = "idle"
	ProcessingGenerating ProcessingStatus = "generating"
	ProcessingSegmenting ProcessingStatus = "segmenting"
	ProcessingComplete   ProcessingStatus = "complete"
	ProcessingFailed     ProcessingStatus = "failed"
)

// SegmentationStatus reports whether the HLS segment set is final.
type SegmentationStatus string

const (
	SegmentationIncomplete SegmentationStatus = "incomplete"
	SegmentationComplete   SegmentationStatus = "complete"
)

// VisibilityStatus controls who can see a track.
type VisibilityStatus string

const (
	VisibilityVisible         VisibilityStatus = "visible"
	VisibilityHiddenFromUsers VisibilityStatus = "hidden_from_users"
	VisibilityHiddenFromAll   VisibilityStatus = "hidden_from_all"
)

// VoiceStatus is the state of a single (track, voice) generation.
type VoiceStatus string

const (
	VoiceGenerating VoiceStatus = "generating"
	VoiceComplete   VoiceStatus = "complete"
	VoiceFailed     VoiceStatus = "failed"
)

// Track is the central media entity.
type Track struct {
	TrackID            string
	OwnerID            int64
	AlbumID            string
	Title              string
	FilePath           string
	VariantType        VariantType
	Duration           float64
	Codec              string
	Bitrate            int64
	SampleRate         int
	Channels           int
	FileSize           int64
	ContentVersion     int64
	UploadStatus       UploadStatus
	ProcessingStatus   ProcessingStatus
	ProcessingVoice    string
	ProcessingLockedAt time.Time
	ProcessingType     string
	HLSReady           bool
	SegmentationStatus SegmentationStatus
	DefaultVoice       string
	VisibilityStatus   VisibilityStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TierRestrictions is the album access policy. A nil value means the album
// has never been restricted.
type TierRestrictions struct {
	IsRestricted     bool
	MinimumTierCents int64
	MinimumTierName  string
	UpdatedAt        time.Time
}

// Album groups tracks under one owner and access policy.
type Album struct {
	AlbumID      string
	OwnerID      int64
	Restrictions *TierRestrictions
	CreatedAt    time.Time
}

// VoiceGeneration is one row of voice_generation_status.
type VoiceGeneration struct {
	TrackID      string
	VoiceID      string
	Status       VoiceStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
}

// VoiceSegment is a per-voice rendered TTS audio segment.
type VoiceSegment struct {
	TrackID        string
	VoiceID        string
	SegIndex       int
	ActualDuration float64
	Status         string
	FilePath       string
}

// SegmentIndexEntry is one measured HLS segment boundary.
type SegmentIndexEntry struct {
	SegIndex int
	Start    float64
	Duration float64
}

// User carries the tier attributes the access evaluator needs.
type User struct {
	UserID          int64
	TierAmountCents int64
	IsTeam          bool
}
