// SPDX-License-Identifier: MIT

package prep

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
)

// Segmenter shells out to ffmpeg for the single-pass HLS segmentation.
type Segmenter struct {
	BinaryPath     string
	SegmentSeconds int
}

// NewSegmenter returns a Segmenter ("ffmpeg", 8 s segments by default).
func NewSegmenter(binaryPath string, segmentSeconds int) *Segmenter {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	if segmentSeconds <= 0 {
		segmentSeconds = 8
	}
	return &Segmenter{BinaryPath: binaryPath, SegmentSeconds: segmentSeconds}
}

// Run segments srcPath into variantDir, reporting progress as segments
// appear on disk. Blocks until ffmpeg exits.
func (s *Segmenter) Run(ctx context.Context, srcPath, variantDir string, progress func(currentDuration float64)) error {
	if err := os.MkdirAll(variantDir, 0o750); err != nil {
		return fmt.Errorf("create variant dir: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchProgress(watchCtx, variantDir, progress)

	args := []string{
		"-i", srcPath,
		"-c:a", "aac",
		"-b:a", "192k",
		"-vn",
		"-f", "hls",
		"-hls_time", fmt.Sprint(s.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(variantDir, "segment_%05d.ts"),
		filepath.Join(variantDir, hls.PlaylistName),
	}

	// #nosec G204 - binary is operator-configured; args are strictly controlled
	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errStr := stderr.String()
		if len(errStr) > 4096 {
			errStr = errStr[len(errStr)-4096:]
		}
		return fmt.Errorf("ffmpeg segmenter: %w (stderr: %s)", err, errStr)
	}
	return nil
}

// watchProgress publishes segment-count-derived progress while ffmpeg
// writes. fsnotify drives updates; a coarse ticker covers missed events on
// network volumes.
func (s *Segmenter) watchProgress(ctx context.Context, variantDir string, progress func(float64)) {
	if progress == nil {
		return
	}
	report := func() {
		n, err := hls.CountSegments(variantDir)
		if err != nil || n == 0 {
			return
		}
		progress(float64(n) * float64(s.SegmentSeconds))
	}

	logger := log.WithComponent("prep")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("fsnotify unavailable, polling progress")
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(variantDir); err != nil {
			logger.Warn().Err(err).Str("dir", variantDir).Msg("watching variant dir")
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if watcher != nil {
			select {
			case <-ctx.Done():
				return
			case ev := <-watcher.Events:
				if ev.Op.Has(fsnotify.Create) && hls.IsSegmentName(filepath.Base(ev.Name)) {
					report()
				}
			case <-watcher.Errors:
			case <-ticker.C:
				report()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}
