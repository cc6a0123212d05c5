// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the streaming core.
// Label cardinality is bounded: no track, voice or session ids in labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PreparationsTotal counts preparation tasks by terminal outcome
	// (complete, error).
	PreparationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonehaven_preparations_total",
		Help: "Total number of finished HLS preparation tasks, by outcome.",
	}, []string{"outcome"})

	// PreparationQueueDepth tracks tasks waiting for a worker.
	PreparationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonehaven_preparation_queue_depth",
		Help: "Current number of queued HLS preparation tasks.",
	})

	// PreparationsActive tracks tasks currently running on a worker.
	PreparationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonehaven_preparations_active",
		Help: "Current number of running HLS preparation tasks.",
	})

	// VoiceEvictionsTotal counts voice-cache evictions.
	VoiceEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonehaven_voice_evictions_total",
		Help: "Total number of evicted voice variants.",
	})

	// VoiceAdmissionDeniedTotal counts retryable admission denials.
	VoiceAdmissionDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonehaven_voice_admission_denied_total",
		Help: "Total number of denied voice admissions.",
	})

	// GrantFailuresTotal counts token validation failures by reason.
	GrantFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonehaven_grant_failures_total",
		Help: "Total number of grant token validation failures, by reason.",
	}, []string{"reason"})

	// UploadSessionsReapedTotal counts sessions removed by the reaper.
	UploadSessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonehaven_upload_sessions_reaped_total",
		Help: "Total number of upload sessions removed by the reaper.",
	})

	// StaleLocksReapedTotal counts processing locks taken over or failed
	// by the stale-lock reaper.
	StaleLocksReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonehaven_stale_locks_reaped_total",
		Help: "Total number of stale processing locks cleared.",
	})
)

// RecordPreparation increments the preparation outcome counter.
func RecordPreparation(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	PreparationsTotal.WithLabelValues(outcome).Inc()
}

// RecordGrantFailure increments the grant failure counter for a reason.
func RecordGrantFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	GrantFailuresTotal.WithLabelValues(reason).Inc()
}
