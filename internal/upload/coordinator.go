// SPDX-License-Identifier: MIT

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/tonehaven/tonehaven/internal/blob"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/metrics"
	"github.com/tonehaven/tonehaven/internal/prep"
	"github.com/tonehaven/tonehaven/internal/probe"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
)

// tempPathPrefix marks a track whose blob has not been uploaded yet.
const tempPathPrefix = "temp:"

// sessionMaxAge is when the reaper considers a session abandoned.
const sessionMaxAge = 30 * time.Minute

var (
	// ErrCancelled short-circuits chunk writes for a cancelled session.
	ErrCancelled = errors.New("upload: session cancelled")
	// ErrAlbumMismatch rejects chunks routed to the wrong album.
	ErrAlbumMismatch = errors.New("upload: album mismatch")
	// ErrChunkMismatch rejects inconsistent total_chunks values.
	ErrChunkMismatch = errors.New("upload: total chunks mismatch")
	// ErrNotComplete rejects finalize before every chunk arrived.
	ErrNotComplete = errors.New("upload: chunks not complete")
	// ErrVisibility rejects a visibility the caller may not select.
	ErrVisibility = errors.New("upload: visibility not allowed")
)

// Coordinator drives the chunked-upload lifecycle.
type Coordinator struct {
	db       *store.Store
	sessions *SessionStore
	blobs    blob.Store
	prober   *probe.Prober
	locks    *statuslock.Manager
	pool     *prep.Pool
	preparer *prep.Preparer
	streams  *stream.Manager

	sharedTmp string
}

// Options wires a Coordinator.
type Options struct {
	DB        *store.Store
	Sessions  *SessionStore
	Blobs     blob.Store
	Prober    *probe.Prober
	Locks     *statuslock.Manager
	Pool      *prep.Pool
	Preparer  *prep.Preparer
	Streams   *stream.Manager
	SharedTmp string
}

// NewCoordinator builds a Coordinator from explicit dependencies.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		db:        opts.DB,
		sessions:  opts.Sessions,
		blobs:     opts.Blobs,
		prober:    opts.Prober,
		locks:     opts.Locks,
		pool:      opts.Pool,
		preparer:  opts.Preparer,
		streams:   opts.Streams,
		sharedTmp: opts.SharedTmp,
	}
}

func (c *Coordinator) chunksDir(uploadID string) string {
	return filepath.Join(c.sharedTmp, "chunks", uploadID)
}

func chunkPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
}

// InitRequest starts an upload.
type InitRequest struct {
	UploadID   string
	AlbumID    string
	CreatorID  int64
	IsTeam     bool
	Filename   string
	Title      string
	Visibility store.VisibilityStatus
}

// InitResult carries the allocated ids back to the client.
type InitResult struct {
	UploadID string `json:"uploadId"`
	TrackID  string `json:"trackId"`
}

// InitUpload validates the album and visibility, allocates the track id
// and chunks directory, and records the session.
func (c *Coordinator) InitUpload(ctx context.Context, req InitRequest) (InitResult, error) {
	if _, err := c.db.GetAlbum(ctx, req.AlbumID); err != nil {
		return InitResult{}, fmt.Errorf("validate album: %w", err)
	}
	if req.Visibility == "" {
		req.Visibility = store.VisibilityVisible
	}
	if req.IsTeam && req.Visibility == store.VisibilityHiddenFromAll {
		return InitResult{}, fmt.Errorf("%w: team uploads cannot be hidden from all", ErrVisibility)
	}

	if req.UploadID == "" {
		req.UploadID = uuid.NewString()
	}
	trackID := uuid.NewString()
	dir := c.chunksDir(req.UploadID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return InitResult{}, fmt.Errorf("create chunks dir: %w", err)
	}

	sess := &Session{
		UploadID:   req.UploadID,
		AlbumID:    req.AlbumID,
		TrackID:    trackID,
		CreatorID:  req.CreatorID,
		Filename:   req.Filename,
		Title:      req.Title,
		Visibility: string(req.Visibility),
		ChunksDir:  dir,
		Status:     SessionInitialized,
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		return InitResult{}, err
	}

	logger := log.WithComponent("upload")
	logger.Info().
		Str(log.FieldUploadID, req.UploadID).
		Str(log.FieldTrackID, trackID).
		Str("album_id", req.AlbumID).
		Msg("upload session initialized")
	return InitResult{UploadID: req.UploadID, TrackID: trackID}, nil
}

// ChunkResult reports one chunk write.
type ChunkResult struct {
	Message      string `json:"message"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	TrackCreated bool   `json:"-"`
}

// UploadChunk persists one chunk. The last chunk materializes the Track
// row and takes the full-track lock; a lock failure rolls the row back.
func (c *Coordinator) UploadChunk(ctx context.Context, albumID, uploadID string, chunkIndex, totalChunks int, data io.Reader) (ChunkResult, error) {
	sess, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if sess.Status == SessionCancelled {
		return ChunkResult{Message: "upload cancelled", Cancelled: true}, ErrCancelled
	}
	if sess.AlbumID != albumID {
		return ChunkResult{}, ErrAlbumMismatch
	}
	if chunkIndex < 0 || totalChunks <= 0 || chunkIndex >= totalChunks {
		return ChunkResult{}, fmt.Errorf("%w: chunk %d of %d", ErrChunkMismatch, chunkIndex, totalChunks)
	}
	if sess.TotalChunks != 0 && sess.TotalChunks != totalChunks {
		return ChunkResult{}, fmt.Errorf("%w: session expects %d", ErrChunkMismatch, sess.TotalChunks)
	}

	if err := c.writeChunk(sess, chunkIndex, data); err != nil {
		return ChunkResult{}, err
	}

	sess, err = c.sessions.Update(ctx, uploadID, func(s *Session) error {
		if s.Status == SessionCancelled {
			return ErrCancelled
		}
		if s.TotalChunks == 0 {
			s.TotalChunks = totalChunks
			s.Received = make([]bool, totalChunks)
		}
		s.Received[chunkIndex] = true
		return nil
	})
	if errors.Is(err, ErrCancelled) {
		return ChunkResult{Message: "upload cancelled", Cancelled: true}, err
	}
	if err != nil {
		return ChunkResult{}, err
	}

	if !sess.Complete() {
		return ChunkResult{Message: fmt.Sprintf("chunk %d received", chunkIndex)}, nil
	}
	if err := c.materializeTrack(ctx, sess); err != nil {
		return ChunkResult{}, err
	}
	return ChunkResult{Message: "all chunks received", TrackCreated: true}, nil
}

func (c *Coordinator) writeChunk(sess *Session, index int, data io.Reader) error {
	path := chunkPath(sess.ChunksDir, index)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 - path derived from the session record
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write chunk: %w", err)
	}
	return f.Close()
}

// materializeTrack creates the Track row in processing state and locks it
// for the initial preparation. Lock failure rolls the row back.
func (c *Coordinator) materializeTrack(ctx context.Context, sess *Session) error {
	logger := log.WithComponent("upload")
	track := &store.Track{
		TrackID:          sess.TrackID,
		OwnerID:          sess.CreatorID,
		AlbumID:          sess.AlbumID,
		Title:            sess.Title,
		FilePath:         tempPathPrefix + sess.UploadID,
		UploadStatus:     store.UploadProcessing,
		VisibilityStatus: store.VisibilityStatus(sess.Visibility),
	}
	if err := c.db.CreateTrack(ctx, track); err != nil {
		return fmt.Errorf("materialize track: %w", err)
	}
	if err := c.locks.AcquireTrack(ctx, sess.TrackID, "initial"); err != nil {
		if delErr := c.db.DeleteTrack(ctx, sess.TrackID); delErr != nil {
			logger.Error().Err(delErr).
				Str(log.FieldTrackID, sess.TrackID).
				Msg("rolling back track row")
		}
		return fmt.Errorf("lock new track: %w", err)
	}

	if _, err := c.sessions.Update(ctx, sess.UploadID, func(s *Session) error {
		s.Status = SessionChunksComplete
		return nil
	}); err != nil {
		return err
	}
	logger.Info().
		Str(log.FieldUploadID, sess.UploadID).
		Str(log.FieldTrackID, sess.TrackID).
		Msg("all chunks received, track locked for processing")
	return nil
}

// FinalizeUpload assembles the chunks, probes and uploads the blob with
// the lock pre-acquired, and queues the initial preparation. Any failure
// runs the comprehensive cleanup and releases the lock as failed.
func (c *Coordinator) FinalizeUpload(ctx context.Context, albumID, uploadID, trackID string) (*store.Track, error) {
	sess, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.AlbumID != albumID {
		return nil, ErrAlbumMismatch
	}
	if sess.TrackID != trackID {
		return nil, fmt.Errorf("upload: track id mismatch")
	}
	if sess.Status == SessionCancelled {
		return nil, ErrCancelled
	}
	if sess.Status != SessionChunksComplete {
		return nil, ErrNotComplete
	}

	logger := log.WithComponent("upload")
	track, err := c.finalize(ctx, sess)
	if err != nil {
		report := c.Cleanup(ctx, sess, true)
		logger.Error().Err(err).
			Str(log.FieldUploadID, uploadID).
			Int("deleted", report.Deleted).
			Msg("finalize failed, upload cleaned up")
		return nil, err
	}

	if err := c.sessions.Delete(ctx, uploadID); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldUploadID, uploadID).
			Msg("removing finished session")
	}
	c.removeChunks(sess)
	return track, nil
}

func (c *Coordinator) finalize(ctx context.Context, sess *Session) (*store.Track, error) {
	logger := log.WithComponent("upload")
	assembled := filepath.Join(c.sharedTmp, "assembled", sess.UploadID+".mp3")
	if err := c.assemble(sess, assembled); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(assembled); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", assembled).Msg("removing assembled file")
		}
	}()

	info, err := c.prober.Probe(ctx, assembled)
	if err != nil {
		return nil, fmt.Errorf("probe assembled upload: %w", err)
	}
	if err := c.db.UpdateMediaInfo(ctx, sess.TrackID, info.Duration, info.Codec, info.Bitrate, info.SampleRate, info.Channels, info.FileSize); err != nil {
		return nil, err
	}

	key := blob.TrackKey(sess.TrackID)
	if err := c.blobs.Upload(ctx, assembled, key); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	if err := c.db.SetFilePath(ctx, sess.TrackID, key); err != nil {
		return nil, err
	}

	// New audio means outstanding grants no longer describe what is served.
	if _, err := c.db.BumpContentVersion(ctx, sess.TrackID); err != nil {
		return nil, err
	}
	if err := c.streams.InvalidateGrants(ctx, sess.TrackID); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldTrackID, sess.TrackID).
			Msg("purging grants after content change")
	}

	task := &prep.Task{
		StreamID:        sess.TrackID,
		TrackID:         sess.TrackID,
		Filename:        key,
		FileSize:        info.FileSize,
		Priority:        prep.PriorityForSize(info.FileSize),
		VariantType:     store.VariantAudio,
		LockAlreadyHeld: true,
	}
	if _, _, err := c.pool.Queue(task, c.preparer.Prepare); err != nil {
		return nil, fmt.Errorf("queue preparation: %w", err)
	}
	return c.db.GetTrack(ctx, sess.TrackID)
}

// assemble concatenates the chunks in index order, atomically at the
// destination.
func (c *Coordinator) assemble(sess *Session, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create assembly dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return fmt.Errorf("create pending assembly: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	for i := 0; i < sess.TotalChunks; i++ {
		f, err := os.Open(chunkPath(sess.ChunksDir, i)) // #nosec G304 - path derived from the session record
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		_, err = io.Copy(pending, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("append chunk %d: %w", i, err)
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publish assembly: %w", err)
	}
	return nil
}

// CancelUpload marks the session cancelled and cleans up whatever was
// materialized.
func (c *Coordinator) CancelUpload(ctx context.Context, albumID, uploadID string) (blob.DeletionReport, error) {
	sess, err := c.sessions.Update(ctx, uploadID, func(s *Session) error {
		if s.AlbumID != albumID {
			return ErrAlbumMismatch
		}
		s.Status = SessionCancelled
		return nil
	})
	if err != nil {
		return blob.DeletionReport{}, err
	}

	report := c.Cleanup(ctx, sess, true)
	logger := log.WithComponent("upload")
	logger.Info().
		Str(log.FieldUploadID, uploadID).
		Int("deleted", report.Deleted).
		Msg("upload cancelled")
	return report, nil
}

// Cleanup is the comprehensive teardown: blob, HLS assets and caches,
// queued preparation, the Track row, chunks and temp files. Per-object
// failures are reported, not fatal.
func (c *Coordinator) Cleanup(ctx context.Context, sess *Session, releaseLock bool) blob.DeletionReport {
	logger := log.WithComponent("upload")
	var report blob.DeletionReport
	note := func(key string, err error) {
		entry := blob.Deletion{Key: key}
		switch {
		case err == nil:
			entry.Deleted = true
			report.Deleted++
		case errors.Is(err, blob.ErrNotFound), errors.Is(err, store.ErrNotFound):
			entry.Missing = true
		default:
			entry.Error = err.Error()
			report.Failed++
			logger.Error().Err(err).Str("key", key).Msg("cleanup step failed")
		}
		report.Entries = append(report.Entries, entry)
	}

	track, err := c.db.GetTrack(ctx, sess.TrackID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		track = nil
	case err != nil:
		logger.Error().Err(err).Str(log.FieldTrackID, sess.TrackID).Msg("loading track for cleanup")
		track = nil
	}

	if track != nil {
		// Blob only exists once the temp marker was replaced.
		if track.FilePath != "" && !isTempPath(track.FilePath) {
			note(track.FilePath, c.blobs.Delete(ctx, track.FilePath))
		}
		if track.VariantType == store.VariantTTS {
			voices, err := c.db.VoiceIDsForTrack(ctx, sess.TrackID)
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldTrackID, sess.TrackID).Msg("listing voices for cleanup")
			}
			rep := blob.DeleteAllTTSVoices(ctx, c.blobs, sess.TrackID, voices)
			report.Entries = append(report.Entries, rep.Entries...)
			report.Deleted += rep.Deleted
			report.Failed += rep.Failed
		}
		c.pool.CancelTrack(sess.TrackID)
		note("hls:"+sess.TrackID, c.streams.CleanupStream(ctx, sess.TrackID))
		if releaseLock {
			if err := c.locks.ReleaseTrack(ctx, sess.TrackID, false, "upload cleanup"); err != nil {
				logger.Warn().Err(err).Str(log.FieldTrackID, sess.TrackID).Msg("releasing lock during cleanup")
			}
		}
		note("track:"+sess.TrackID, c.db.DeleteTrack(ctx, sess.TrackID))
	}

	c.removeChunks(sess)
	note("chunks:"+sess.UploadID, nil)
	return report
}

func isTempPath(path string) bool {
	return len(path) >= len(tempPathPrefix) && path[:len(tempPathPrefix)] == tempPathPrefix
}

func (c *Coordinator) removeChunks(sess *Session) {
	if sess.ChunksDir == "" {
		return
	}
	if err := os.RemoveAll(sess.ChunksDir); err != nil {
		logger := log.WithComponent("upload")
		logger.Warn().Err(err).
			Str("dir", sess.ChunksDir).
			Msg("removing chunks dir")
	}
	_ = os.Remove(filepath.Join(c.sharedTmp, "assembled", sess.UploadID+".mp3"))
}

// ReapSessions removes sessions that are cancelled or older than the
// abandonment threshold, including their chunk directories and any
// materialized tracks.
func (c *Coordinator) ReapSessions(ctx context.Context) {
	logger := log.WithComponent("upload")
	sessions, err := c.sessions.List(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("listing sessions for reap")
		return
	}
	cutoff := time.Now().Add(-sessionMaxAge)
	for _, sess := range sessions {
		if sess.Status != SessionCancelled && sess.LastUpdated.After(cutoff) {
			continue
		}
		c.Cleanup(ctx, sess, sess.Status == SessionChunksComplete)
		if err := c.sessions.Delete(ctx, sess.UploadID); err != nil {
			logger.Warn().Err(err).Str(log.FieldUploadID, sess.UploadID).Msg("deleting reaped session")
			continue
		}
		metrics.UploadSessionsReapedTotal.Inc()
		logger.Info().
			Str(log.FieldUploadID, sess.UploadID).
			Str("status", string(sess.Status)).
			Msg("upload session reaped")
	}
}

// SweepStuckTracks cleans tracks that claim to be processing but never
// made progress: zero duration, old, and either not updated recently or
// still carrying the temp path marker.
func (c *Coordinator) SweepStuckTracks(ctx context.Context) {
	logger := log.WithComponent("upload")
	stuck, err := c.db.ListStuckUploads(ctx, sessionMaxAge, 10*time.Minute)
	if err != nil {
		logger.Error().Err(err).Msg("listing stuck uploads")
		return
	}
	for _, tr := range stuck {
		sess := &Session{
			UploadID:  uploadIDFromTempPath(tr.FilePath),
			TrackID:   tr.TrackID,
			ChunksDir: "",
		}
		if sess.UploadID != "" {
			sess.ChunksDir = c.chunksDir(sess.UploadID)
		}
		report := c.Cleanup(ctx, sess, true)
		logger.Warn().
			Str(log.FieldTrackID, tr.TrackID).
			Int("deleted", report.Deleted).
			Msg("stuck upload cleaned up")
	}
}

func uploadIDFromTempPath(path string) string {
	if isTempPath(path) {
		return path[len(tempPathPrefix):]
	}
	return ""
}

// RunReaper sweeps sessions and stuck tracks on the given interval until
// ctx is cancelled.
func (c *Coordinator) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sessionMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReapSessions(ctx)
			c.SweepStuckTracks(ctx)
		}
	}
}
