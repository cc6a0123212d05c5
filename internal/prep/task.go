// SPDX-License-Identifier: MIT

// Package prep runs HLS preparation on a bounded worker pool keyed by
// stream id.
package prep

import (
	"sync"
	"time"

	"github.com/tonehaven/tonehaven/internal/store"
)

// Status is the lifecycle of one preparation task.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusCreatingSegments Status = "creating_segments"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
)

// Terminal reports whether no further transitions happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Priority biases worker dispatch. Small files prepare fast and should
// not wait behind hour-long sources.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// PriorityForSize buckets a source file by size.
func PriorityForSize(fileSize int64) Priority {
	const mb = 1 << 20
	switch {
	case fileSize < 20*mb:
		return PriorityHigh
	case fileSize < 100*mb:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Task is one unit of preparation work. Identity fields are immutable
// after Queue; the progress fields are guarded by mu.
type Task struct {
	StreamID        string
	TrackID         string
	VoiceID         string
	Filename        string
	FileSize        int64
	Priority        Priority
	VariantType     store.VariantType
	LockAlreadyHeld bool

	mu               sync.Mutex
	status           Status
	currentDuration  float64
	totalDuration    float64
	segmentDurations []float64
	wordsMapped      int
	errorMessage     string
	cancelled        bool
	queuedAt         time.Time
	startedAt        time.Time
	finishedAt       time.Time
}

// View is an immutable snapshot of a task for callers outside the pool.
type View struct {
	StreamID         string
	TrackID          string
	VoiceID          string
	Status           Status
	CurrentDuration  float64
	TotalDuration    float64
	SegmentDurations []float64
	WordsMapped      int
	ErrorMessage     string
	QueuedAt         time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Percent derives completion from durations; terminal states pin it.
func (v View) Percent() float64 {
	switch {
	case v.Status == StatusComplete:
		return 100
	case v.Status == StatusError:
		return 0
	case v.TotalDuration <= 0:
		return 0
	}
	p := v.CurrentDuration / v.TotalDuration * 100
	if p > 99 {
		p = 99
	}
	return p
}

func (t *Task) snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		StreamID:        t.StreamID,
		TrackID:         t.TrackID,
		VoiceID:         t.VoiceID,
		Status:          t.status,
		CurrentDuration: t.currentDuration,
		TotalDuration:   t.totalDuration,
		WordsMapped:     t.wordsMapped,
		ErrorMessage:    t.errorMessage,
		QueuedAt:        t.queuedAt,
		StartedAt:       t.startedAt,
		FinishedAt:      t.finishedAt,
	}
	v.SegmentDurations = append(v.SegmentDurations, t.segmentDurations...)
	return v
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	switch s {
	case StatusProcessing:
		t.startedAt = time.Now()
	case StatusComplete, StatusError:
		t.finishedAt = time.Now()
	}
}

// SetTotalDuration records the probed source duration.
func (t *Task) SetTotalDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalDuration = d
}

// ReportProgress publishes segmentation progress.
func (t *Task) ReportProgress(currentDuration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCreatingSegments
	if currentDuration > t.currentDuration {
		t.currentDuration = currentDuration
	}
}

// SetSegmentDurations records the measured per-segment durations.
func (t *Task) SetSegmentDurations(durations []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segmentDurations = append([]float64(nil), durations...)
}

// SetWordsMapped records the timing-mapper outcome.
func (t *Task) SetWordsMapped(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wordsMapped = n
}

func (t *Task) fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusError
	t.errorMessage = message
	t.finishedAt = time.Now()
}

func (t *Task) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusComplete
	t.currentDuration = t.totalDuration
	t.finishedAt = time.Now()
}

// MarkCancelled flags a queued task so the worker drops it.
func (t *Task) MarkCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

// Cancelled reports whether the task was flagged before a worker took it.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
