// SPDX-License-Identifier: MIT

package timing

import (
	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
)

// MappingResult is the quality report of one mapping pass.
type MappingResult struct {
	Words                      []WordTiming
	Total                      int
	Tagged                     int
	Clamped                    int
	Coverage                   float64
	SupportsPrecisionSwitching bool
}

// MapWords tags each word with the segment containing its midpoint and the
// offset from that segment's start. Words starting beyond the last
// segment's end are clamped to the last segment. Coverage above 80%
// enables precision switching for the stream.
func MapWords(trackID, voiceID string, words []WordTiming, bounds []hls.SegmentBoundary) MappingResult {
	res := MappingResult{
		Words: make([]WordTiming, len(words)),
		Total: len(words),
	}
	copy(res.Words, words)

	if len(bounds) == 0 {
		return res
	}
	last := bounds[len(bounds)-1]

	for i := range res.Words {
		w := &res.Words[i]
		w.Mapped = false
		if w.End < w.Start || w.Start < 0 {
			continue
		}

		mid := (w.Start + w.End) / 2
		for _, b := range bounds {
			if mid >= b.Start && mid < b.End {
				w.SegmentIndex = b.Index
				w.SegmentOffset = w.Start - b.Start
				w.Mapped = true
				break
			}
		}
		if w.Mapped {
			res.Tagged++
			continue
		}

		// Tail words past the measured end are pinned to the last segment.
		if w.Start >= last.End || mid >= last.End {
			w.SegmentIndex = last.Index
			w.SegmentOffset = w.Start - last.Start
			w.Mapped = true
			res.Tagged++
			res.Clamped++
		}
	}

	if res.Total > 0 {
		res.Coverage = float64(res.Tagged) / float64(res.Total) * 100
	}
	res.SupportsPrecisionSwitching = res.Coverage > 80

	if res.Clamped > 0 {
		logger := log.WithComponent("timing")
		logger.Warn().
			Str(log.FieldTrackID, trackID).
			Str(log.FieldVoiceID, voiceID).
			Int("clamped", res.Clamped).
			Float64("stream_end", last.End).
			Msg("word timings extend past the last segment")
	}
	return res
}
