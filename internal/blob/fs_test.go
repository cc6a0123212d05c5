// SPDX-License-Identifier: MIT

package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newFS(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	return s
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.mp3")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newFS(t)

	key := TrackKey("tr-1")
	require.NoError(t, s.Upload(ctx, writeTemp(t, "audio-bytes"), key))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	dst := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, s.Download(ctx, key, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "audio-bytes", string(data))

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, s.Delete(ctx, key), ErrNotFound)
	require.ErrorIs(t, s.Download(ctx, key, dst), ErrNotFound)
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s := newFS(t)

	for _, key := range []string{"../outside.mp3", "/etc/passwd", "."} {
		require.Error(t, s.Upload(ctx, writeTemp(t, "x"), key), key)
	}
}

func TestDeleteAllTTSVoices(t *testing.T) {
	ctx := context.Background()
	s := newFS(t)

	require.NoError(t, s.Upload(ctx, writeTemp(t, "a"), TTSVoiceKey("tr-1", "nova")))
	require.NoError(t, s.Upload(ctx, writeTemp(t, "b"), TTSVoiceKey("tr-1", "onyx")))

	report := DeleteAllTTSVoices(ctx, s, "tr-1", []string{"nova", "onyx", "nova", "shimmer"})
	require.Equal(t, 2, report.Deleted)
	require.Zero(t, report.Failed)
	// Duplicate voice ids collapse to one entry each.
	require.Len(t, report.Entries, 3)

	byKey := map[string]Deletion{}
	for _, e := range report.Entries {
		byKey[e.Key] = e
	}
	require.True(t, byKey[TTSVoiceKey("tr-1", "nova")].Deleted)
	require.True(t, byKey[TTSVoiceKey("tr-1", "shimmer")].Missing)
}

func TestDeleteAllTTSVoices_FallbackList(t *testing.T) {
	ctx := context.Background()
	s := newFS(t)

	require.NoError(t, s.Upload(ctx, writeTemp(t, "a"), TTSVoiceKey("tr-2", "echo")))

	report := DeleteAllTTSVoices(ctx, s, "tr-2", nil)
	require.Equal(t, 1, report.Deleted)
	require.Len(t, report.Entries, len(fallbackVoices))
}
