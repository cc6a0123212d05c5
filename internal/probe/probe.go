// SPDX-License-Identifier: MIT

// Package probe extracts audio metadata with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// AudioInfo is the probed view of a source file.
type AudioInfo struct {
	Duration   float64
	Codec      string
	Format     string
	Bitrate    int64
	SampleRate int
	Channels   int
	FileSize   int64
	ProbedAt   time.Time
}

// Prober runs ffprobe out of process. A per-path mutex prevents concurrent
// probes of the same file.
type Prober struct {
	BinaryPath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Prober using the given ffprobe binary ("ffprobe" if empty).
func New(binaryPath string) *Prober {
	if binaryPath == "" {
		binaryPath = "ffprobe"
	}
	return &Prober{
		BinaryPath: binaryPath,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (p *Prober) pathLock(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}

// Probe executes ffprobe against path and parses its JSON output.
func (p *Prober) Probe(ctx context.Context, path string) (*AudioInfo, error) {
	l := p.pathLock(path)
	l.Lock()
	defer l.Unlock()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	// #nosec G204 - binary is operator-configured; args are strictly controlled
	cmd := exec.CommandContext(ctx, p.BinaryPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()

	var data probeData
	jsonErr := json.Unmarshal(out, &data)

	hasAudioStream := false
	if jsonErr == nil {
		for _, s := range data.Streams {
			if s.CodecType == "audio" && s.CodecName != "" {
				hasAudioStream = true
				break
			}
		}
	}

	isValid := jsonErr == nil && data.Format.FormatName != "" && hasAudioStream
	if !isValid {
		if err != nil {
			errStr := stderr.String()
			if len(errStr) > 4096 {
				errStr = errStr[:4096] + "..."
			}
			return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, errStr)
		}
		if jsonErr != nil {
			return nil, fmt.Errorf("json decode: %w", jsonErr)
		}
		return nil, fmt.Errorf("ffprobe returned no playable audio stream")
	}

	info := &AudioInfo{
		Format:   data.Format.FormatName,
		ProbedAt: time.Now(),
	}

	for _, s := range data.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.Codec = s.CodecName
		info.Channels = s.Channels
		if s.SampleRate != "" {
			if v, err := strconv.Atoi(s.SampleRate); err == nil {
				info.SampleRate = v
			}
		}
		if s.Duration != "" {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				info.Duration = d
			}
		}
		break
	}

	if info.Duration == 0 && data.Format.Duration != "" {
		if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	if data.Format.BitRate != "" {
		if b, err := strconv.ParseInt(data.Format.BitRate, 10, 64); err == nil {
			info.Bitrate = b
		}
	}
	if data.Format.Size != "" {
		if n, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
			info.FileSize = n
		}
	}
	if info.FileSize == 0 {
		if st, err := os.Stat(path); err == nil {
			info.FileSize = st.Size()
		}
	}

	if info.Duration <= 0 {
		return nil, fmt.Errorf("ffprobe reported no duration for %s", path)
	}

	return info, nil
}

type probeData struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Channels   int    `json:"channels,omitempty"`
		SampleRate string `json:"sample_rate,omitempty"`
		Duration   string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
		Size       string `json:"size"`
	} `json:"format"`
}
