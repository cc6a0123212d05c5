// SPDX-License-Identifier: MIT

package upload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tonehaven/tonehaven/internal/blob"
	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/prep"
	"github.com/tonehaven/tonehaven/internal/probe"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
)

const probeJSON = `{
  "streams": [{"codec_type": "audio", "codec_name": "mp3", "channels": 2, "sample_rate": "44100", "duration": "19.5"}],
  "format": {"duration": "19.5", "format_name": "mp3", "bit_rate": "192000", "size": "468000"}
}`

type fixture struct {
	coord *Coordinator
	db    *store.Store
	blobs *blob.FSStore
	mr    *miniredis.Miniredis
	tmp   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}
	ctx := context.Background()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.CreateAlbum(ctx, &store.Album{AlbumID: "album-1", OwnerID: 7}))

	blobs, err := blob.NewFSStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)

	ffprobe := filepath.Join(t.TempDir(), "ffprobe")
	require.NoError(t, os.WriteFile(ffprobe,
		[]byte("#!/bin/sh\ncat <<'EOF'\n"+probeJSON+"\nEOF\n"), 0o755))

	root := t.TempDir()
	tmp := t.TempDir()
	locks := statuslock.NewManager(db, root, 90*time.Minute, statuslock.WithSettleDelay(0))

	preparer := prep.NewPreparer(prep.PreparerOptions{
		DB:           db,
		Blobs:        blobs,
		Prober:       probe.New(ffprobe),
		Locks:        locks,
		SegmentsRoot: root,
		SharedTmp:    tmp,
	})
	preparer.SetSegmentFunc(func(ctx context.Context, srcPath, variantDir string, progress func(float64)) error {
		if err := os.MkdirAll(variantDir, 0o750); err != nil {
			return err
		}
		playlist := "#EXTM3U\n#EXTINF:8.000000,\n" + hls.SegmentName(0) + "\n#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(variantDir, hls.SegmentName(0)), []byte{0x47}, 0o640); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(variantDir, hls.PlaylistName), []byte(playlist), 0o640)
	})

	pool := prep.NewPool(2)
	poolCtx, cancel := context.WithCancel(context.Background())
	pool.Start(poolCtx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	mr := miniredis.RunT(t)
	streams := stream.NewManager(stream.Options{
		DB:           db,
		Pool:         pool,
		Preparer:     preparer,
		Locks:        locks,
		SegmentsRoot: root,
	})

	coord := NewCoordinator(Options{
		DB:        db,
		Sessions:  NewSessionStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		Blobs:     blobs,
		Prober:    probe.New(ffprobe),
		Locks:     locks,
		Pool:      pool,
		Preparer:  preparer,
		Streams:   streams,
		SharedTmp: tmp,
	})
	return &fixture{coord: coord, db: db, blobs: blobs, mr: mr, tmp: tmp}
}

func (f *fixture) initUpload(t *testing.T) InitResult {
	t.Helper()
	res, err := f.coord.InitUpload(context.Background(), InitRequest{
		AlbumID:   "album-1",
		CreatorID: 7,
		Filename:  "song.mp3",
		Title:     "Song",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) sendChunks(t *testing.T, res InitResult, parts []string) {
	t.Helper()
	ctx := context.Background()
	// Chunks arrive out of order; index decides placement.
	order := []int{2, 0, 1}
	for _, i := range order {
		cr, err := f.coord.UploadChunk(ctx, "album-1", res.UploadID, i, len(parts), strings.NewReader(parts[i]))
		require.NoError(t, err)
		if i == order[len(order)-1] {
			require.True(t, cr.TrackCreated)
		}
	}
}

func TestInitUpload_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.InitUpload(ctx, InitRequest{AlbumID: "missing", CreatorID: 7})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.coord.InitUpload(ctx, InitRequest{
		AlbumID:    "album-1",
		CreatorID:  7,
		IsTeam:     true,
		Visibility: store.VisibilityHiddenFromAll,
	})
	require.ErrorIs(t, err, ErrVisibility)
}

func TestUploadLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.initUpload(t)

	parts := []string{"first-", "second-", "third"}
	f.sendChunks(t, res, parts)

	// The last chunk materialized and locked the track.
	tr, err := f.db.GetTrack(ctx, res.TrackID)
	require.NoError(t, err)
	require.Equal(t, store.UploadProcessing, tr.UploadStatus)
	require.Equal(t, store.ProcessingGenerating, tr.ProcessingStatus)
	require.True(t, strings.HasPrefix(tr.FilePath, "temp:"))

	tr, err = f.coord.FinalizeUpload(ctx, "album-1", res.UploadID, res.TrackID)
	require.NoError(t, err)
	require.Equal(t, blob.TrackKey(res.TrackID), tr.FilePath)
	require.InDelta(t, 19.5, tr.Duration, 1e-9)

	// The blob holds the chunks concatenated in index order.
	dst := filepath.Join(t.TempDir(), "check.mp3")
	require.NoError(t, f.blobs.Download(ctx, tr.FilePath, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "first-second-third", string(data))

	// The queued preparation finishes and releases the lock.
	require.Eventually(t, func() bool {
		tr, err := f.db.GetTrack(ctx, res.TrackID)
		return err == nil && tr.ProcessingStatus == store.ProcessingComplete && tr.HLSReady
	}, 5*time.Second, 50*time.Millisecond)

	_, err = f.coord.sessions.Get(ctx, res.UploadID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUploadChunk_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.initUpload(t)

	_, err := f.coord.UploadChunk(ctx, "other-album", res.UploadID, 0, 2, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrAlbumMismatch)

	_, err = f.coord.UploadChunk(ctx, "album-1", res.UploadID, 2, 2, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrChunkMismatch)

	_, err = f.coord.UploadChunk(ctx, "album-1", res.UploadID, 0, 3, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = f.coord.UploadChunk(ctx, "album-1", res.UploadID, 1, 4, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrChunkMismatch)
}

func TestCancelUpload_CleansUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.initUpload(t)
	f.sendChunks(t, res, []string{"a-", "b-", "c"})

	report, err := f.coord.CancelUpload(ctx, "album-1", res.UploadID)
	require.NoError(t, err)
	require.NotEmpty(t, report.Entries)

	_, err = f.db.GetTrack(ctx, res.TrackID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = os.Stat(f.coord.chunksDir(res.UploadID))
	require.True(t, os.IsNotExist(err))

	// Chunks after cancellation short-circuit.
	cr, err := f.coord.UploadChunk(ctx, "album-1", res.UploadID, 0, 3, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, cr.Cancelled)
}

func TestFinalize_BeforeComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.initUpload(t)

	_, err := f.coord.UploadChunk(ctx, "album-1", res.UploadID, 0, 2, strings.NewReader("x"))
	require.NoError(t, err)

	_, err = f.coord.FinalizeUpload(ctx, "album-1", res.UploadID, res.TrackID)
	require.ErrorIs(t, err, ErrNotComplete)
}

func TestReapSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.initUpload(t)

	// Age the session past the abandonment threshold.
	sess, err := f.coord.sessions.Get(ctx, res.UploadID)
	require.NoError(t, err)
	sess.LastUpdated = time.Now().Add(-time.Hour)
	buf, _ := json.Marshal(sess)
	require.NoError(t, f.coord.sessions.rdb.Set(ctx, sessionKey(res.UploadID), buf, time.Hour).Err())

	f.coord.ReapSessions(ctx)

	_, err = f.coord.sessions.Get(ctx, res.UploadID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = os.Stat(f.coord.chunksDir(res.UploadID))
	require.True(t, os.IsNotExist(err))
}
