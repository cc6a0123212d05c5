// SPDX-License-Identifier: MIT

package hls

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// Playlist is the parsed view of a variant playlist that callers care
// about: segment durations in order and whether the list is final.
type Playlist struct {
	SegmentDurations []float64
	SegmentURIs      []string
	TargetDuration   int
	HasEndlist       bool
}

// TotalDuration is the sum of all EXTINF durations.
func (p *Playlist) TotalDuration() float64 {
	var sum float64
	for _, d := range p.SegmentDurations {
		sum += d
	}
	return sum
}

// ParsePlaylist reads a variant playlist from r.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	var p Playlist
	scanner := bufio.NewScanner(r)
	pendingExtinf := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			val := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(val, ','); i >= 0 {
				val = val[:i]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, fmt.Errorf("parse EXTINF %q: %w", line, err)
			}
			p.SegmentDurations = append(p.SegmentDurations, d)
			pendingExtinf = true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")); err == nil {
				p.TargetDuration = n
			}
		case line == "#EXT-X-ENDLIST":
			p.HasEndlist = true
		case line != "" && !strings.HasPrefix(line, "#"):
			if pendingExtinf {
				p.SegmentURIs = append(p.SegmentURIs, line)
				pendingExtinf = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParsePlaylistFile reads and parses the playlist at path.
func ParsePlaylistFile(path string) (*Playlist, error) {
	f, err := os.Open(path) // #nosec G304 - path confined to the segments root
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParsePlaylist(f)
}

// WriteMaster atomically publishes a master playlist referencing the single
// variant directory.
func WriteMaster(path string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending master playlist: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	content := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=192000,CODECS=\"mp4a.40.2\"\n" +
		VariantDir + "/" + PlaylistName + "\n"
	if _, err := io.WriteString(pending, content); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace master playlist: %w", err)
	}
	return nil
}

// CountSegments counts segment_*.ts files in the variant directory.
func CountSegments(variantDir string) (int, error) {
	entries, err := os.ReadDir(variantDir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && IsSegmentName(e.Name()) {
			n++
		}
	}
	return n, nil
}

// ReadyState is the result of checking invariant 4 on disk.
type ReadyState struct {
	Ready        bool
	Reason       string
	SegmentCount int
	Duration     float64
}

// CheckReady verifies the on-disk readiness of a stream: master playlist
// present, variant playlist present and final, and every listed segment
// materialised.
func CheckReady(root, trackID, voiceID string) ReadyState {
	if _, err := os.Stat(MasterPath(root, trackID, voiceID)); err != nil {
		return ReadyState{Reason: "master playlist missing"}
	}
	pl, err := ParsePlaylistFile(VariantPlaylistPath(root, trackID, voiceID))
	if err != nil {
		return ReadyState{Reason: "variant playlist missing"}
	}
	if !pl.HasEndlist {
		return ReadyState{Reason: "playlist not finalised"}
	}
	count, err := CountSegments(VariantDirPath(root, trackID, voiceID))
	if err != nil {
		return ReadyState{Reason: "variant directory unreadable"}
	}
	if len(pl.SegmentDurations) > count {
		return ReadyState{Reason: fmt.Sprintf("playlist lists %d segments, %d on disk", len(pl.SegmentDurations), count)}
	}
	return ReadyState{Ready: true, SegmentCount: count, Duration: pl.TotalDuration()}
}
