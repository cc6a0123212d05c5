// SPDX-License-Identifier: MIT

package hls

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// SegmentIndex captures the measured per-segment durations of a finished
// stream, as written to index.json next to the master playlist.
type SegmentIndex struct {
	Durations     []float64 `json:"durations"`
	Starts        []float64 `json:"starts"`
	TotalDuration float64   `json:"total_duration"`
	Measured      bool      `json:"measured"`
}

// BuildSegmentIndex derives cumulative starts from measured durations.
func BuildSegmentIndex(durations []float64) *SegmentIndex {
	idx := &SegmentIndex{
		Durations: durations,
		Starts:    make([]float64, len(durations)),
		Measured:  true,
	}
	var cursor float64
	for i, d := range durations {
		idx.Starts[i] = cursor
		cursor += d
	}
	idx.TotalDuration = cursor
	return idx
}

// SegmentBoundary is one entry of the index in (index, start, end) form,
// the shape the word-timing mapper consumes.
type SegmentBoundary struct {
	Index    int
	Start    float64
	End      float64
	Duration float64
}

// Boundaries converts the index into explicit per-segment boundaries.
func (idx *SegmentIndex) Boundaries() []SegmentBoundary {
	out := make([]SegmentBoundary, len(idx.Durations))
	for i, d := range idx.Durations {
		out[i] = SegmentBoundary{
			Index:    i,
			Start:    idx.Starts[i],
			End:      idx.Starts[i] + d,
			Duration: d,
		}
	}
	return out
}

// WriteIndex atomically publishes the index at path.
func WriteIndex(path string, idx *SegmentIndex) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending segment index: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx); err != nil {
		return fmt.Errorf("encode segment index: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace segment index: %w", err)
	}
	return nil
}

// ReadIndex loads the index at path.
func ReadIndex(path string) (*SegmentIndex, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path confined to the segments root
	if err != nil {
		return nil, err
	}
	var idx SegmentIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode segment index: %w", err)
	}
	return &idx, nil
}
