// SPDX-License-Identifier: MIT

package timing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonehaven/tonehaven/internal/hls"
)

func bounds(durations ...float64) []hls.SegmentBoundary {
	return hls.BuildSegmentIndex(durations).Boundaries()
}

func TestMapWords_Midpoint(t *testing.T) {
	words := []WordTiming{
		{Word: "hello", Start: 0.2, End: 0.6},
		{Word: "world", Start: 7.8, End: 8.4}, // midpoint 8.1, second segment
		{Word: "again", Start: 9.0, End: 9.5},
	}
	res := MapWords("tr-1", "nova", words, bounds(8, 8, 3.5))

	require.Equal(t, 3, res.Tagged)
	require.Zero(t, res.Clamped)
	require.InDelta(t, 100, res.Coverage, 1e-9)
	require.True(t, res.SupportsPrecisionSwitching)

	require.Equal(t, 0, res.Words[0].SegmentIndex)
	require.InDelta(t, 0.2, res.Words[0].SegmentOffset, 1e-9)

	require.Equal(t, 1, res.Words[1].SegmentIndex)
	require.InDelta(t, 7.8-8, res.Words[1].SegmentOffset, 1e-9)

	require.Equal(t, 1, res.Words[2].SegmentIndex)
	require.InDelta(t, 1.0, res.Words[2].SegmentOffset, 1e-9)
}

func TestMapWords_ClampsTail(t *testing.T) {
	words := []WordTiming{
		{Word: "in", Start: 1, End: 2},
		{Word: "beyond", Start: 20.5, End: 21.0}, // past measured end 19.5
	}
	res := MapWords("tr-1", "nova", words, bounds(8, 8, 3.5))

	require.Equal(t, 2, res.Tagged)
	require.Equal(t, 1, res.Clamped)
	require.Equal(t, 2, res.Words[1].SegmentIndex)
	require.InDelta(t, 20.5-16, res.Words[1].SegmentOffset, 1e-9)
}

func TestMapWords_CoverageThreshold(t *testing.T) {
	// Four invalid words out of five leave coverage at 20%.
	words := []WordTiming{
		{Word: "ok", Start: 1, End: 2},
		{Word: "bad1", Start: -1, End: 2},
		{Word: "bad2", Start: 5, End: 4},
		{Word: "bad3", Start: -2, End: -1},
		{Word: "bad4", Start: 3, End: 1},
	}
	res := MapWords("tr-1", "nova", words, bounds(8, 8))

	require.Equal(t, 1, res.Tagged)
	require.InDelta(t, 20, res.Coverage, 1e-9)
	require.False(t, res.SupportsPrecisionSwitching)
}

func TestMapWords_NoBoundaries(t *testing.T) {
	res := MapWords("tr-1", "nova", []WordTiming{{Word: "x", Start: 0, End: 1}}, nil)
	require.Zero(t, res.Tagged)
	require.False(t, res.SupportsPrecisionSwitching)
}

func TestShardStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenShardStore(filepath.Join(t.TempDir(), "timing"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.AppendShard(ctx, "tr-1", "nova", 0, []WordTiming{{Word: "a", Start: 0, End: 1}}))
	require.NoError(t, store.AppendShard(ctx, "tr-1", "nova", 1, []WordTiming{{Word: "b", Start: 1, End: 2}}))
	require.NoError(t, store.AppendShard(ctx, "tr-1", "onyx", 0, []WordTiming{{Word: "c", Start: 0, End: 1}}))

	words, err := store.LoadWords(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, []string{words[0].Word, words[1].Word})

	ok, err := store.HasShards(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.DropShards(ctx, "tr-1", "nova"))
	ok, err = store.HasShards(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.False(t, ok)

	// The other voice's shards are untouched.
	words, err = store.LoadWords(ctx, "tr-1", "onyx")
	require.NoError(t, err)
	require.Len(t, words, 1)
}

func TestConsolidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := OpenShardStore(filepath.Join(t.TempDir(), "timing"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	words := []WordTiming{{Word: "hello", Start: 0.2, End: 0.6}}
	require.NoError(t, store.AppendShard(ctx, "tr-1", "nova", 0, words))

	res := MapWords("tr-1", "nova", words, bounds(8, 8))
	require.NoError(t, os.MkdirAll(hls.StreamDir(root, "tr-1", "nova"), 0o750))
	require.NoError(t, Consolidate(ctx, store, root, "tr-1", "nova", res))

	got, coverage, err := ReadConsolidated(root, "tr-1", "nova")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Mapped)
	require.InDelta(t, 100, coverage, 1e-9)

	ok, err := store.HasShards(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsolidate_KeepsShardsWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store, err := OpenShardStore(filepath.Join(t.TempDir(), "timing"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	words := []WordTiming{{Word: "hello", Start: 0.2, End: 0.6}}
	require.NoError(t, store.AppendShard(ctx, "tr-1", "nova", 0, words))

	res := MapWords("tr-1", "nova", words, bounds(8, 8))
	// A missing stream directory fails the atomic write; the raw shards
	// must survive as the recovery source.
	require.Error(t, Consolidate(ctx, store, filepath.Join(t.TempDir(), "missing"), "tr-1", "nova", res))

	ok, err := store.HasShards(ctx, "tr-1", "nova")
	require.NoError(t, err)
	require.True(t, ok)
}
