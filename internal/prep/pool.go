// SPDX-License-Identifier: MIT

package prep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/metrics"
)

// PrepareFunc does the actual work for one task. It runs on a pool worker
// and reports progress through the task.
type PrepareFunc func(ctx context.Context, task *Task) error

// ErrQueueFull is returned when the pending queue cannot take more work.
var ErrQueueFull = errors.New("prep: queue full")

const queueCapacity = 256

// taskRetention keeps terminal tasks visible to progress polls before the
// map entry is pruned.
const taskRetention = 10 * time.Minute

type queued struct {
	task    *Task
	prepare PrepareFunc
}

// Pool is the bounded preparation worker pool. One task per stream id is
// live at a time; duplicate enqueues coalesce onto the existing task.
type Pool struct {
	workers   int
	retention time.Duration

	mu    sync.Mutex
	tasks map[string]*Task

	high   chan queued
	medium chan queued
	low    chan queued

	wg sync.WaitGroup
}

// NewPool sizes the pool; workers defaults to 2 when non-positive.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		workers:   workers,
		retention: taskRetention,
		tasks:     make(map[string]*Task),
		high:      make(chan queued, queueCapacity),
		medium:    make(chan queued, queueCapacity),
		low:       make(chan queued, queueCapacity),
	}
}

// SetTaskRetention overrides how long terminal tasks stay queryable; tests
// shorten it.
func (p *Pool) SetTaskRetention(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retention = d
}

// Start launches the workers. They drain until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Queue enqueues work for a stream. If a non-terminal task already exists
// for the stream id, that task is returned with isNew=false and the new
// request is dropped (coalesced).
func (p *Pool) Queue(task *Task, prepare PrepareFunc) (*Task, bool, error) {
	logger := log.WithComponent("prep")
	p.mu.Lock()
	p.pruneLocked(time.Now())
	if existing, ok := p.tasks[task.StreamID]; ok && !existing.Status().Terminal() {
		p.mu.Unlock()
		logger.Debug().
			Str(log.FieldStreamID, task.StreamID).
			Msg("duplicate enqueue coalesced")
		return existing, false, nil
	}
	task.mu.Lock()
	task.status = StatusQueued
	task.queuedAt = time.Now()
	task.mu.Unlock()
	p.tasks[task.StreamID] = task
	p.mu.Unlock()

	var ch chan queued
	switch task.Priority {
	case PriorityHigh:
		ch = p.high
	case PriorityLow:
		ch = p.low
	default:
		ch = p.medium
	}

	select {
	case ch <- queued{task: task, prepare: prepare}:
	default:
		p.mu.Lock()
		delete(p.tasks, task.StreamID)
		p.mu.Unlock()
		return nil, false, fmt.Errorf("%w: priority %d", ErrQueueFull, task.Priority)
	}

	metrics.PreparationQueueDepth.Inc()
	logger.Info().
		Str(log.FieldStreamID, task.StreamID).
		Str(log.FieldTrackID, task.TrackID).
		Int("priority", int(task.Priority)).
		Int64("file_size", task.FileSize).
		Msg("preparation queued")
	return task, true, nil
}

// Get returns the live task for a stream id, when one exists.
func (p *Pool) Get(streamID string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(time.Now())
	t, ok := p.tasks[streamID]
	return t, ok
}

// pruneLocked drops terminal tasks past the retention window so the map
// stays bounded by in-flight work. Callers hold p.mu.
func (p *Pool) pruneLocked(now time.Time) {
	for id, t := range p.tasks {
		v := t.snapshot()
		if v.Status.Terminal() && !v.FinishedAt.IsZero() && now.Sub(v.FinishedAt) > p.retention {
			delete(p.tasks, id)
		}
	}
}

// Snapshot returns a view of the task for a stream id.
func (p *Pool) Snapshot(streamID string) (View, bool) {
	t, ok := p.Get(streamID)
	if !ok {
		return View{}, false
	}
	return t.snapshot(), true
}

// CancelTrack flags every queued task of a track so workers drop it.
// Running tasks are not interrupted; the status lock covers those.
func (p *Pool) CancelTrack(trackID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tasks {
		if t.TrackID == trackID && t.Status() == StatusQueued {
			t.MarkCancelled()
			n++
		}
	}
	return n
}

// worker drains the queues, preferring high priority, then medium, then
// low.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := log.WithComponent("prep").With().Int("worker", id).Logger()
	for {
		var q queued
		// Bias: take high-priority work when available.
		select {
		case <-ctx.Done():
			return
		case q = <-p.high:
		default:
			select {
			case <-ctx.Done():
				return
			case q = <-p.high:
			case q = <-p.medium:
			case q = <-p.low:
			}
		}

		metrics.PreparationQueueDepth.Dec()
		if q.task.Cancelled() {
			q.task.fail("cancelled before start")
			metrics.RecordPreparation("cancelled")
			logger.Info().Str(log.FieldStreamID, q.task.StreamID).Msg("queued task dropped, cancelled")
			continue
		}

		q.task.setStatus(StatusProcessing)
		metrics.PreparationsActive.Inc()
		logger.Info().
			Str(log.FieldStreamID, q.task.StreamID).
			Str(log.FieldTrackID, q.task.TrackID).
			Msg("preparation started")

		err := q.prepare(ctx, q.task)
		metrics.PreparationsActive.Dec()
		if err != nil {
			q.task.fail(err.Error())
			metrics.RecordPreparation("error")
			logger.Error().Err(err).
				Str(log.FieldStreamID, q.task.StreamID).
				Msg("preparation failed")
			continue
		}
		q.task.complete()
		metrics.RecordPreparation("complete")
		logger.Info().
			Str(log.FieldStreamID, q.task.StreamID).
			Dur("elapsed", time.Since(q.task.snapshot().StartedAt)).
			Msg("preparation complete")
	}
}
