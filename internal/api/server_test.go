// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
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
	"github.com/tonehaven/tonehaven/internal/grant"
	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/popularity"
	"github.com/tonehaven/tonehaven/internal/prep"
	"github.com/tonehaven/tonehaven/internal/probe"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
	"github.com/tonehaven/tonehaven/internal/upload"
	"github.com/tonehaven/tonehaven/internal/voicecache"
)

const probeJSON = `{
  "streams": [{"codec_type": "audio", "codec_name": "mp3", "channels": 2, "sample_rate": "44100", "duration": "19.5"}],
  "format": {"duration": "19.5", "format_name": "mp3", "bit_rate": "192000", "size": "468000"}
}`

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	srv   *httptest.Server
	db    *store.Store
	blobs *blob.FSStore
	root  string
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
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tracker := voicecache.NewTracker(rdb, time.Hour)
	grants := grant.NewCache(rdb)

	streams := stream.NewManager(stream.Options{
		DB:           db,
		Pool:         pool,
		Preparer:     preparer,
		Locks:        locks,
		Tracker:      tracker,
		Grants:       grants,
		SegmentsRoot: root,
	})
	streams.SetVoiceCache(voicecache.NewManager(voicecache.Options{
		DB:           db,
		Tracker:      tracker,
		Popularity:   popularity.Static(false),
		Purger:       streams,
		SegmentsRoot: root,
		IdleTimeout:  30 * time.Minute,
	}))

	uploads := upload.NewCoordinator(upload.Options{
		DB:        db,
		Sessions:  upload.NewSessionStore(rdb),
		Blobs:     blobs,
		Prober:    probe.New(ffprobe),
		Locks:     locks,
		Pool:      pool,
		Preparer:  preparer,
		Streams:   streams,
		SharedTmp: tmp,
	})

	server := NewServer(Options{
		DB:      db,
		Uploads: uploads,
		Streams: streams,
		Minter:  grant.NewMinter(testSecret, 10*time.Minute),
		Grants:  grants,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, db: db, blobs: blobs, root: root}
}

func (f *fixture) postJSON(t *testing.T, path string, body, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) postChunk(t *testing.T, uploadID string, index, total int, data string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("chunkIndex", fmt.Sprintf("%d", index)))
	require.NoError(t, mw.WriteField("totalChunks", fmt.Sprintf("%d", total)))
	fw, err := mw.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/albums/album-1/tracks/upload-chunk", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func (f *fixture) uploadTrack(t *testing.T) string {
	t.Helper()
	var init upload.InitResult
	code := f.postJSON(t, "/api/albums/album-1/tracks/init-upload",
		map[string]string{"filename": "song.mp3", "title": "Song"}, &init)
	require.Equal(t, http.StatusOK, code)

	for i, part := range []string{"aa-", "bb-", "cc"} {
		resp := f.postChunk(t, init.UploadID, i, 3, part)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	var track trackResponse
	code = f.postJSON(t, "/api/albums/album-1/tracks/finalize-upload",
		finalizeBody{UploadID: init.UploadID, TrackID: init.TrackID}, &track)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, init.TrackID, track.TrackID)
	return init.TrackID
}

func (f *fixture) mintGrant(t *testing.T, trackID, voiceID string) (string, int) {
	t.Helper()
	var out mintGrantResponse
	code := f.postJSON(t, "/api/tracks/"+trackID+"/grant",
		mintGrantBody{SessionID: "sess-1", VoiceID: voiceID}, &out)
	return out.Token, code
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestUploadThenStream(t *testing.T) {
	f := newFixture(t)
	trackID := f.uploadTrack(t)

	token, code := f.mintGrant(t, trackID, "")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, token)

	url := f.srv.URL + "/api/tracks/" + trackID + "/stream/" + hls.MasterName + "?grant=" + token

	// Preparation is queued at finalize; poll until the playlist serves.
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusAccepted {
			require.NotEmpty(t, resp.Header.Get("Retry-After"))
			return false
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "#EXTM3U")
		return true
	}, 5*time.Second, 50*time.Millisecond)

	// A segment serves under the same grant.
	resp, err := http.Get(f.srv.URL + "/api/tracks/" + trackID + "/stream/default/" + hls.SegmentName(0) + "?grant=" + token)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
}

func TestStream_GrantRejections(t *testing.T) {
	f := newFixture(t)
	trackID := f.uploadTrack(t)

	read := func(url string) (int, string) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	base := f.srv.URL + "/api/tracks/" + trackID + "/stream/" + hls.MasterName

	code, body := read(base)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Contains(t, body, string(grant.ReasonBadSignature))

	token, _ := f.mintGrant(t, trackID, "")
	code, body = read(base + "?grant=" + token + "&voice=nova")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Contains(t, body, string(grant.ReasonWrongVoice))
}

func TestRestrictionChange_InvalidatesGrants(t *testing.T) {
	f := newFixture(t)
	trackID := f.uploadTrack(t)

	token, code := f.mintGrant(t, trackID, "")
	require.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/api/albums/album-1/restrictions",
		strings.NewReader(`{"is_restricted": true, "minimum_tier_cents": 500, "minimum_tier_name": "Gold"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The old token was minted against the previous content version.
	streamResp, err := http.Get(f.srv.URL + "/api/tracks/" + trackID + "/stream/" + hls.MasterName + "?grant=" + token)
	require.NoError(t, err)
	defer func() { _ = streamResp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, streamResp.StatusCode)
	body, _ := io.ReadAll(streamResp.Body)
	require.Contains(t, string(body), string(grant.ReasonContentUpdated))

	// An anonymous listener no longer clears the tier gate.
	var problemBody map[string]any
	buf, _ := json.Marshal(mintGrantBody{SessionID: "sess-2"})
	mintResp, err := http.Post(f.srv.URL+"/api/tracks/"+trackID+"/grant", "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer func() { _ = mintResp.Body.Close() }()
	require.Equal(t, http.StatusForbidden, mintResp.StatusCode)
	require.NoError(t, json.NewDecoder(mintResp.Body).Decode(&problemBody))
	require.Contains(t, problemBody["detail"], "Gold")
}

func TestProgressEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/tracks/unknown/progress")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p stream.Progress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	require.Equal(t, "not_found", p.Status)
}
