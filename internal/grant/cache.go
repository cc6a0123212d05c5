// SPDX-License-Identifier: MIT

package grant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonehaven/tonehaven/internal/log"
)

// Cache is the advisory grant cache in redis. The token itself fully
// authorizes; the cache only lets handlers skip re-evaluation while the
// entry is fresh, and gives invalidation a handle on outstanding grants.
//
// Keys: "grant:{sid}:{tid}:{vid}" -> content version, with the token TTL.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps an existing redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func grantKey(sessionID, trackID, voiceID string) string {
	return fmt.Sprintf("grant:%s:%s:%s", sessionID, trackID, voiceID)
}

// Put records a minted grant for its TTL.
func (c *Cache) Put(ctx context.Context, p Payload, ttl time.Duration) error {
	key := grantKey(p.StreamSessionID, p.TrackID, p.VoiceID)
	if err := c.rdb.Set(ctx, key, strconv.FormatInt(p.ContentVersion, 10), ttl).Err(); err != nil {
		return fmt.Errorf("cache grant: %w", err)
	}
	return nil
}

// Get returns the cached content version for a grant, or false when absent.
func (c *Cache) Get(ctx context.Context, sessionID, trackID, voiceID string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, grantKey(sessionID, trackID, voiceID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read grant cache: %w", err)
	}
	cv, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode grant cache entry: %w", err)
	}
	return cv, true, nil
}

// PurgeTrack removes every cached grant for a track, across all sessions
// and voices. Called after the track's content version is bumped.
func (c *Cache) PurgeTrack(ctx context.Context, trackID string) (int, error) {
	pattern := "grant:*:" + trackID + ":*"
	var deleted int

	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("purge grants: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan grants: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("purge grants: %w", err)
	}

	logger := log.WithComponent("grant")
	logger.Debug().
		Str(log.FieldTrackID, trackID).
		Int("deleted", deleted).
		Msg("cached grants purged")
	return deleted, nil
}
