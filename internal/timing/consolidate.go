// SPDX-License-Identifier: MIT

package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
)

// consolidated is the on-disk shape of timings.zst.
type consolidated struct {
	TrackID                    string       `json:"track_id"`
	VoiceID                    string       `json:"voice_id"`
	Words                      []WordTiming `json:"words"`
	Coverage                   float64      `json:"coverage"`
	SupportsPrecisionSwitching bool         `json:"supports_precision_switching"`
}

// Consolidate writes the mapped words as a single zstd-compressed blob at
// voice-{id}/timings.zst and drops the raw shards.
func Consolidate(ctx context.Context, store *ShardStore, segmentsRoot, trackID, voiceID string, res MappingResult) error {
	path := hls.TimingsPath(segmentsRoot, trackID, voiceID)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending timings: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	zw, err := zstd.NewWriter(pending)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	doc := consolidated{
		TrackID:                    trackID,
		VoiceID:                    voiceID,
		Words:                      res.Words,
		Coverage:                   res.Coverage,
		SupportsPrecisionSwitching: res.SupportsPrecisionSwitching,
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode timings: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publish timings: %w", err)
	}

	if store != nil {
		if err := store.DropShards(ctx, trackID, voiceID); err != nil {
			return fmt.Errorf("drop timing shards: %w", err)
		}
	}

	logger := log.WithComponent("timing")
	logger.Info().
		Str(log.FieldTrackID, trackID).
		Str(log.FieldVoiceID, voiceID).
		Int("words", len(res.Words)).
		Float64("coverage", res.Coverage).
		Msg("word timings consolidated")
	return nil
}

// ReadConsolidated loads and decompresses a timings.zst blob.
func ReadConsolidated(segmentsRoot, trackID, voiceID string) ([]WordTiming, float64, error) {
	path := hls.TimingsPath(segmentsRoot, trackID, voiceID)
	f, err := os.Open(path) // #nosec G304 - path confined to the segments root
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	var doc consolidated
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("decode timings: %w", err)
	}
	return doc.Words, doc.Coverage, nil
}
