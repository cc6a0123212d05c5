// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldTrace(t *testing.T) {
	require.False(t, shouldTrace(httptest.NewRequest(http.MethodGet, "/healthz", nil)))
	require.False(t, shouldTrace(httptest.NewRequest(http.MethodGet, "/metrics", nil)))
	require.True(t, shouldTrace(httptest.NewRequest(http.MethodPost, "/api/tracks/tr-1/grant", nil)))
}

func TestSpanName(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tracks/tr-1/progress", nil)
	require.Equal(t, "HTTP GET /api/tracks/tr-1/progress", spanName("HTTP GET", r))

	r = httptest.NewRequest(http.MethodGet, "/api/tracks/tr-1/stream/master.m3u8?token=abc", nil)
	require.Equal(t, "HTTP GET /api/tracks/tr-1/stream/master.m3u8?", spanName("HTTP GET", r))
}
