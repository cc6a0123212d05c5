// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTrackID   = "track_id"
	FieldVoiceID   = "voice_id"
	FieldStreamID  = "stream_id"
	FieldUploadID  = "upload_id"
	FieldUserID    = "user_id"
	FieldAlbumID   = "album_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldStatus    = "status"
	FieldWorker    = "worker"

	// Media fields
	FieldDuration = "duration"
	FieldSegments = "segments"
	FieldCodec    = "codec"

	// Path fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"
)
