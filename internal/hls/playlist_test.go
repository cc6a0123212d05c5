// SPDX-License-Identifier: MIT

package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const finalPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:8
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:8.000000,
segment_00000.ts
#EXTINF:8.000000,
segment_00001.ts
#EXTINF:3.500000,
segment_00002.ts
#EXT-X-ENDLIST
`

func TestParsePlaylist(t *testing.T) {
	pl, err := ParsePlaylist(strings.NewReader(finalPlaylist))
	require.NoError(t, err)

	require.Equal(t, []float64{8, 8, 3.5}, pl.SegmentDurations)
	require.Equal(t, []string{"segment_00000.ts", "segment_00001.ts", "segment_00002.ts"}, pl.SegmentURIs)
	require.Equal(t, 8, pl.TargetDuration)
	require.True(t, pl.HasEndlist)
	require.InDelta(t, 19.5, pl.TotalDuration(), 1e-9)
}

func TestParsePlaylist_InProgress(t *testing.T) {
	partial := strings.Replace(finalPlaylist, "#EXT-X-ENDLIST\n", "", 1)
	pl, err := ParsePlaylist(strings.NewReader(partial))
	require.NoError(t, err)
	require.False(t, pl.HasEndlist)
	require.Len(t, pl.SegmentDurations, 3)
}

func TestStreamID(t *testing.T) {
	require.Equal(t, "tr-1", StreamID("tr-1", ""))
	require.Equal(t, "tr-1/voice-nova", StreamID("tr-1", "nova"))

	track, voice := SplitStreamID("tr-1/voice-nova")
	require.Equal(t, "tr-1", track)
	require.Equal(t, "nova", voice)

	track, voice = SplitStreamID("tr-1")
	require.Equal(t, "tr-1", track)
	require.Empty(t, voice)
}

func writeStream(t *testing.T, root, trackID, voiceID string, segments int, final bool) {
	t.Helper()
	variantDir := VariantDirPath(root, trackID, voiceID)
	require.NoError(t, os.MkdirAll(variantDir, 0o750))
	require.NoError(t, WriteMaster(MasterPath(root, trackID, voiceID)))

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:8\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < segments; i++ {
		b.WriteString("#EXTINF:8.000000,\n")
		b.WriteString(SegmentName(i) + "\n")
		require.NoError(t, os.WriteFile(filepath.Join(variantDir, SegmentName(i)), []byte{0x47}, 0o640))
	}
	if final {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	require.NoError(t, os.WriteFile(VariantPlaylistPath(root, trackID, voiceID), []byte(b.String()), 0o640))
}

func TestCheckReady(t *testing.T) {
	root := t.TempDir()

	writeStream(t, root, "tr-1", "", 3, true)
	state := CheckReady(root, "tr-1", "")
	require.True(t, state.Ready)
	require.Equal(t, 3, state.SegmentCount)
	require.InDelta(t, 24.0, state.Duration, 1e-9)

	// Voice subtree is independent of the track subtree.
	state = CheckReady(root, "tr-1", "nova")
	require.False(t, state.Ready)

	writeStream(t, root, "tr-1", "nova", 2, true)
	require.True(t, CheckReady(root, "tr-1", "nova").Ready)
}

func TestCheckReady_NotFinalised(t *testing.T) {
	root := t.TempDir()
	writeStream(t, root, "tr-1", "", 2, false)

	state := CheckReady(root, "tr-1", "")
	require.False(t, state.Ready)
	require.Contains(t, state.Reason, "not finalised")
}

func TestCheckReady_MissingSegments(t *testing.T) {
	root := t.TempDir()
	writeStream(t, root, "tr-1", "", 3, true)
	require.NoError(t, os.Remove(filepath.Join(VariantDirPath(root, "tr-1", ""), SegmentName(2))))

	state := CheckReady(root, "tr-1", "")
	require.False(t, state.Ready)
	require.Contains(t, state.Reason, "on disk")
}

func TestSegmentIndexRoundTrip(t *testing.T) {
	idx := BuildSegmentIndex([]float64{8, 8, 3.5})
	require.Equal(t, []float64{0, 8, 16}, idx.Starts)
	require.InDelta(t, 19.5, idx.TotalDuration, 1e-9)

	bounds := idx.Boundaries()
	require.Len(t, bounds, 3)
	require.Equal(t, 2, bounds[2].Index)
	require.InDelta(t, 16.0, bounds[2].Start, 1e-9)
	require.InDelta(t, 19.5, bounds[2].End, 1e-9)

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, WriteIndex(path, idx))
	got, err := ReadIndex(path)
	require.NoError(t, err)
	if diff := cmp.Diff(idx, got); diff != "" {
		t.Fatalf("index round trip mismatch (-want +got):\n%s", diff)
	}
}
