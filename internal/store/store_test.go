// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTrack(t *testing.T, s *Store, trackID string) *Track {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateAlbum(ctx, &Album{AlbumID: "album-1", OwnerID: 7}))
	tr := &Track{
		TrackID:     trackID,
		OwnerID:     7,
		AlbumID:     "album-1",
		Title:       "test",
		VariantType: VariantTTS,
	}
	require.NoError(t, s.CreateTrack(ctx, tr))
	return tr
}

func TestTrackRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	got, err := s.GetTrack(ctx, "tr-1")
	require.NoError(t, err)
	require.Equal(t, "tr-1", got.TrackID)
	require.Equal(t, int64(1), got.ContentVersion)
	require.Equal(t, UploadUploading, got.UploadStatus)
	require.Equal(t, ProcessingIdle, got.ProcessingStatus)
	require.False(t, got.HLSReady)

	_, err = s.GetTrack(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireTrackLock_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	res, err := s.AcquireTrackLock(ctx, "tr-1", "initial", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res2, err := s.AcquireTrackLock(ctx, "tr-1", "regen", 90*time.Minute)
	require.NoError(t, err)
	require.False(t, res2.Acquired)

	require.NoError(t, s.ReleaseTrackLock(ctx, "tr-1", ProcessingComplete))

	res3, err := s.AcquireTrackLock(ctx, "tr-1", "regen", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, res3.Acquired)
}

func TestAcquireTrackLock_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AcquireTrackLock(ctx, "tr-1", "initial", 90*time.Minute)
			if err == nil && res.Acquired {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one concurrent acquirer must win")
}

func TestAcquireTrackLock_StaleTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	res, err := s.AcquireTrackLock(ctx, "tr-1", "initial", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)
	require.NoError(t, s.SetProcessingVoice(ctx, "tr-1", "nova"))

	// Age the lock past the threshold.
	_, err = s.DB.ExecContext(ctx,
		"UPDATE tracks SET processing_locked_at_ms = processing_locked_at_ms - ? WHERE track_id = ?",
		(2 * time.Hour).Milliseconds(), "tr-1")
	require.NoError(t, err)

	res2, err := s.AcquireTrackLock(ctx, "tr-1", "regen", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, res2.Acquired)
	require.True(t, res2.Takeover)
	require.Equal(t, "nova", res2.DisplacedVoice)
}

func TestAcquireVoiceLock_Coalesces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	ok, takeover, err := s.AcquireVoiceLock(ctx, "tr-1", "nova", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, takeover)

	ok2, _, err := s.AcquireVoiceLock(ctx, "tr-1", "nova", 90*time.Minute)
	require.NoError(t, err)
	require.False(t, ok2, "second concurrent attempt must observe the first lock")

	// A different voice is independent.
	ok3, _, err := s.AcquireVoiceLock(ctx, "tr-1", "ash", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, ok3)
}

func TestAcquireVoiceLock_StaleTakeoverAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	ok, _, err := s.AcquireVoiceLock(ctx, "tr-1", "nova", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.DB.ExecContext(ctx,
		"UPDATE voice_generation_status SET started_at_ms = started_at_ms - ? WHERE track_id = ? AND voice_id = ?",
		(2 * time.Hour).Milliseconds(), "tr-1", "nova")
	require.NoError(t, err)

	ok2, takeover, err := s.AcquireVoiceLock(ctx, "tr-1", "nova", 90*time.Minute)
	require.NoError(t, err)
	require.True(t, ok2)
	require.True(t, takeover)

	require.NoError(t, s.ReleaseVoiceLock(ctx, "tr-1", "nova", VoiceComplete, ""))
	g, err := s.GetVoiceStatus(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.Equal(t, VoiceComplete, g.Status)
	require.False(t, g.CompletedAt.IsZero())
}

func TestSetTierRestrictions_BumpsContentVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")
	require.NoError(t, s.CreateTrack(ctx, &Track{TrackID: "tr-2", OwnerID: 7, AlbumID: "album-1"}))

	ids, err := s.SetTierRestrictions(ctx, "album-1", TierRestrictions{
		IsRestricted:     true,
		MinimumTierCents: 1000,
		MinimumTierName:  "Gold",
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tr-1", "tr-2"}, ids)

	for _, id := range ids {
		tr, err := s.GetTrack(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(2), tr.ContentVersion)
	}

	a, err := s.GetAlbum(ctx, "album-1")
	require.NoError(t, err)
	require.NotNil(t, a.Restrictions)
	require.True(t, a.Restrictions.IsRestricted)
	require.Equal(t, "Gold", a.Restrictions.MinimumTierName)
}

func TestVoiceDuration_SumsReadySegments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	for i, d := range []float64{10.5, 20.25, 5.0} {
		require.NoError(t, s.PutVoiceSegment(ctx, &VoiceSegment{
			TrackID: "tr-1", VoiceID: "nova", SegIndex: i, ActualDuration: d,
		}))
	}
	require.NoError(t, s.PutVoiceSegment(ctx, &VoiceSegment{
		TrackID: "tr-1", VoiceID: "nova", SegIndex: 3, ActualDuration: 99, Status: "pending",
	}))

	d, err := s.VoiceDuration(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.InDelta(t, 35.75, d, 1e-9)
}

func TestSegmentIndexReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	entries := []SegmentIndexEntry{
		{SegIndex: 0, Start: 0, Duration: 8},
		{SegIndex: 1, Start: 8, Duration: 8},
		{SegIndex: 2, Start: 16, Duration: 3.5},
	}
	require.NoError(t, s.ReplaceSegmentIndex(ctx, "tr-1", "nova", entries))

	got, err := s.SegmentIndexEntries(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.Equal(t, entries, got)

	require.NoError(t, s.DeleteSegmentIndex(ctx, "tr-1"))
	got, err = s.SegmentIndexEntries(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFailAllGenerating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s, "tr-1")

	ok, _, err := s.AcquireVoiceLock(ctx, "tr-1", "nova", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.FailAllGenerating(ctx, "Server restarted during generation")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	g, err := s.GetVoiceStatus(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.Equal(t, VoiceFailed, g.Status)
	require.Equal(t, "Server restarted during generation", g.ErrorMessage)
}
