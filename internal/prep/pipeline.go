// SPDX-License-Identifier: MIT

package prep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tonehaven/tonehaven/internal/blob"
	"github.com/tonehaven/tonehaven/internal/hls"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/probe"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/timing"
)

// SegmentFunc produces the variant playlist and segments for a source
// file. Swapped in tests; production wiring points it at Segmenter.Run.
type SegmentFunc func(ctx context.Context, srcPath, variantDir string, progress func(float64)) error

// Preparer owns the preparation pipeline a pool worker executes.
type Preparer struct {
	db           *store.Store
	blobs        blob.Store
	prober       *probe.Prober
	locks        *statuslock.Manager
	timings      *timing.ShardStore
	segment      SegmentFunc
	segmentsRoot string
	sharedTmp    string
}

// PreparerOptions wires a Preparer.
type PreparerOptions struct {
	DB           *store.Store
	Blobs        blob.Store
	Prober       *probe.Prober
	Locks        *statuslock.Manager
	Timings      *timing.ShardStore
	Segmenter    *Segmenter
	SegmentsRoot string
	SharedTmp    string
}

// NewPreparer builds a Preparer from explicit dependencies.
func NewPreparer(opts PreparerOptions) *Preparer {
	p := &Preparer{
		db:           opts.DB,
		blobs:        opts.Blobs,
		prober:       opts.Prober,
		locks:        opts.Locks,
		timings:      opts.Timings,
		segmentsRoot: opts.SegmentsRoot,
		sharedTmp:    opts.SharedTmp,
	}
	if opts.Segmenter != nil {
		p.segment = opts.Segmenter.Run
	}
	return p
}

// SetSegmentFunc swaps the segmenter implementation; tests use a stub.
func (p *Preparer) SetSegmentFunc(fn SegmentFunc) { p.segment = fn }

// Prepare is the PrepareFunc handed to the pool. It acquires the lock
// unless the task carries it, runs the pipeline, and releases the lock
// with the outcome either way.
func (p *Preparer) Prepare(ctx context.Context, task *Task) error {
	if !task.LockAlreadyHeld {
		if err := p.acquire(ctx, task); err != nil {
			return err
		}
	}

	err := p.run(ctx, task)
	p.release(ctx, task, err)
	return err
}

func (p *Preparer) acquire(ctx context.Context, task *Task) error {
	if task.VoiceID != "" {
		return p.locks.AcquireVoice(ctx, task.TrackID, task.VoiceID)
	}
	return p.locks.AcquireTrack(ctx, task.TrackID, "prepare")
}

func (p *Preparer) release(ctx context.Context, task *Task, runErr error) {
	logger := log.WithComponent("prep")
	success := runErr == nil
	message := ""
	if runErr != nil {
		message = runErr.Error()
	}
	if task.VoiceID != "" {
		if err := p.locks.ReleaseVoice(ctx, task.TrackID, task.VoiceID, success, message); err != nil {
			logger.Error().Err(err).Str(log.FieldStreamID, task.StreamID).Msg("releasing voice lock")
		}
		return
	}
	if err := p.locks.ReleaseTrack(ctx, task.TrackID, success, message); err != nil {
		logger.Error().Err(err).Str(log.FieldStreamID, task.StreamID).Msg("releasing track lock")
	}
}

// run executes the pipeline steps. The local source copy is removed on
// every path.
func (p *Preparer) run(ctx context.Context, task *Task) error {
	srcPath, cleanup, err := p.ensureLocal(ctx, task)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := p.prober.Probe(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	task.SetTotalDuration(info.Duration)
	if task.VoiceID == "" {
		if err := p.db.UpdateMediaInfo(ctx, task.TrackID, info.Duration, info.Codec, info.Bitrate, info.SampleRate, info.Channels, info.FileSize); err != nil {
			return fmt.Errorf("store media info: %w", err)
		}
	}

	if err := os.MkdirAll(hls.StreamDir(p.segmentsRoot, task.TrackID, task.VoiceID), 0o750); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}
	if err := hls.WriteMaster(hls.MasterPath(p.segmentsRoot, task.TrackID, task.VoiceID)); err != nil {
		return err
	}

	variantDir := hls.VariantDirPath(p.segmentsRoot, task.TrackID, task.VoiceID)
	if err := p.segment(ctx, srcPath, variantDir, task.ReportProgress); err != nil {
		return err
	}

	pl, err := hls.ParsePlaylistFile(hls.VariantPlaylistPath(p.segmentsRoot, task.TrackID, task.VoiceID))
	if err != nil {
		return fmt.Errorf("read final playlist: %w", err)
	}
	if !pl.HasEndlist {
		return fmt.Errorf("segmenter finished without finalising the playlist")
	}
	task.SetSegmentDurations(pl.SegmentDurations)

	idx := hls.BuildSegmentIndex(pl.SegmentDurations)
	if err := hls.WriteIndex(hls.IndexPath(p.segmentsRoot, task.TrackID, task.VoiceID), idx); err != nil {
		return err
	}
	entries := make([]store.SegmentIndexEntry, len(idx.Durations))
	for i := range idx.Durations {
		entries[i] = store.SegmentIndexEntry{SegIndex: i, Start: idx.Starts[i], Duration: idx.Durations[i]}
	}
	if err := p.db.ReplaceSegmentIndex(ctx, task.TrackID, task.VoiceID, entries); err != nil {
		return fmt.Errorf("store segment index: %w", err)
	}

	if task.VariantType == store.VariantTTS && task.VoiceID != "" {
		if err := p.mapTimings(ctx, task, idx); err != nil {
			return err
		}
	}

	if err := p.db.MarkHLSReady(ctx, task.TrackID, idx.TotalDuration); err != nil {
		return fmt.Errorf("mark track ready: %w", err)
	}
	return nil
}

// mapTimings runs the word-timing mapper against the final boundaries and
// consolidates the shards.
func (p *Preparer) mapTimings(ctx context.Context, task *Task, idx *hls.SegmentIndex) error {
	if p.timings == nil {
		return nil
	}
	words, err := p.timings.LoadWords(ctx, task.TrackID, task.VoiceID)
	if err != nil {
		return fmt.Errorf("load word timings: %w", err)
	}
	if len(words) == 0 {
		return nil
	}

	res := timing.MapWords(task.TrackID, task.VoiceID, words, idx.Boundaries())
	task.SetWordsMapped(res.Tagged)
	// The raw shards stay the recovery source until the consolidated blob
	// is on disk; Consolidate drops them after the atomic replace.
	if err := timing.Consolidate(ctx, p.timings, p.segmentsRoot, task.TrackID, task.VoiceID, res); err != nil {
		return err
	}
	return nil
}

// ensureLocal stages the source file locally. Blob-backed sources are
// downloaded to the shared tmp; already-local sources are used in place
// but still removed afterwards, both are one-shot staging copies.
func (p *Preparer) ensureLocal(ctx context.Context, task *Task) (string, func(), error) {
	if task.Filename != "" && !strings.HasPrefix(task.Filename, "temp:") {
		if _, err := os.Stat(task.Filename); err == nil {
			path := task.Filename
			return path, func() { p.removeLocal(path) }, nil
		}
	}

	key := blob.TrackKey(task.TrackID)
	if task.VoiceID != "" && task.VariantType == store.VariantTTS {
		key = blob.TTSVoiceKey(task.TrackID, task.VoiceID)
	}
	local := filepath.Join(p.sharedTmp, "prep", strings.ReplaceAll(task.StreamID, "/", "_")+".mp3")
	if err := p.blobs.Download(ctx, key, local); err != nil {
		return "", nil, fmt.Errorf("stage source %s: %w", key, err)
	}
	return local, func() { p.removeLocal(local) }, nil
}

func (p *Preparer) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger := log.WithComponent("prep")
		logger.Warn().Err(err).Str("path", path).Msg("removing staged source")
	}
}
