// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, DefaultGrantTTL, cfg.GrantTTL)
	require.Equal(t, DefaultLockStaleness, cfg.LockStaleness)
	require.Equal(t, DefaultSegmentSeconds, cfg.HLS.SegmentSeconds)
	require.Equal(t, "ffmpeg", cfg.HLS.FFmpegPath)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOKEN_SECRET")
}

func TestLoad_ShortSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "short")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := strings.TrimSpace(`
listen: ":9090"
segmentsRoot: /srv/segments
grantTTL: 120s
lockStaleness: 45m
redis:
  addr: "redis:6379"
hls:
  segmentSeconds: 6
  workers: 5
`)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "/srv/segments", cfg.SegmentsRoot)
	require.Equal(t, 120*time.Second, cfg.GrantTTL)
	require.Equal(t, 45*time.Minute, cfg.LockStaleness)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 6, cfg.HLS.SegmentSeconds)
	require.Equal(t, 5, cfg.HLS.Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("GRANT_TTL_SECONDS", "300")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, 300*time.Second, cfg.GrantTTL)
}
