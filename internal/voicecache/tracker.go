// SPDX-License-Identifier: MIT

// Package voicecache bounds the number of on-disk voice variants per track
// and tracks per-voice access for eviction decisions.
package voicecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AccessStats is the tracked view of one (track, voice).
type AccessStats struct {
	LastAccess     time.Time
	SegmentCount   int64
	UniqueSegments int64
}

// Tracker consolidates per-node voice accesses in redis so eviction sees
// activity across the whole fleet. Entries expire by TTL; a missing entry
// means the voice has been idle at least that long.
//
// Keys: "voiceaccess:{track}:{voice}" (hash), ":segs" suffix (set).
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTracker wraps a redis client. ttl bounds how long access history is
// retained.
func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tracker{rdb: rdb, ttl: ttl}
}

func accessKey(trackID, voiceID string) string {
	return fmt.Sprintf("voiceaccess:%s:%s", trackID, voiceID)
}

// RecordAccess notes one served segment for (track, voice).
func (t *Tracker) RecordAccess(ctx context.Context, trackID, voiceID, segmentName string) error {
	key := accessKey(trackID, voiceID)
	segsKey := key + ":segs"

	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key, "last_access", time.Now().UnixMilli())
	pipe.HIncrBy(ctx, key, "segment_count", 1)
	pipe.SAdd(ctx, segsKey, segmentName)
	pipe.Expire(ctx, key, t.ttl)
	pipe.Expire(ctx, segsKey, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record voice access: %w", err)
	}
	return nil
}

// Stats returns the tracked stats, or ok=false when the entry has expired
// or never existed.
func (t *Tracker) Stats(ctx context.Context, trackID, voiceID string) (AccessStats, bool, error) {
	key := accessKey(trackID, voiceID)
	vals, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return AccessStats{}, false, fmt.Errorf("read voice access: %w", err)
	}
	if len(vals) == 0 {
		return AccessStats{}, false, nil
	}

	var stats AccessStats
	if ms, err := strconv.ParseInt(vals["last_access"], 10, 64); err == nil {
		stats.LastAccess = time.UnixMilli(ms)
	}
	if n, err := strconv.ParseInt(vals["segment_count"], 10, 64); err == nil {
		stats.SegmentCount = n
	}
	unique, err := t.rdb.SCard(ctx, key+":segs").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return AccessStats{}, false, fmt.Errorf("read unique segments: %w", err)
	}
	stats.UniqueSegments = unique
	return stats, true, nil
}

// IdleSince reports whether the voice has had no access since the cutoff.
// Voices with no tracked entry count as idle.
func (t *Tracker) IdleSince(ctx context.Context, trackID, voiceID string, cutoff time.Time) (bool, error) {
	stats, ok, err := t.Stats(ctx, trackID, voiceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return stats.LastAccess.Before(cutoff), nil
}

// Forget drops the tracked state for (track, voice), used after eviction
// or stream cleanup.
func (t *Tracker) Forget(ctx context.Context, trackID, voiceID string) error {
	key := accessKey(trackID, voiceID)
	if err := t.rdb.Del(ctx, key, key+":segs").Err(); err != nil {
		return fmt.Errorf("forget voice access: %w", err)
	}
	return nil
}
