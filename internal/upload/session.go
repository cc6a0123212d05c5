// SPDX-License-Identifier: MIT

// Package upload coordinates resumable chunked uploads across nodes.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStatus is the lifecycle of an upload session.
type SessionStatus string

const (
	SessionInitialized    SessionStatus = "initialized"
	SessionChunksComplete SessionStatus = "chunks_complete"
	SessionCancelled      SessionStatus = "cancelled"
)

// Session is the cross-node upload record. Any node may receive any
// chunk, so the whole state lives in redis.
type Session struct {
	UploadID    string        `json:"upload_id"`
	AlbumID     string        `json:"album_id"`
	TrackID     string        `json:"track_id"`
	CreatorID   int64         `json:"creator_id"`
	Filename    string        `json:"filename"`
	Title       string        `json:"title"`
	Visibility  string        `json:"visibility"`
	ChunksDir   string        `json:"chunks_dir"`
	TotalChunks int           `json:"total_chunks"`
	Received    []bool        `json:"received"`
	Status      SessionStatus `json:"status"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ReceivedCount is how many distinct chunk indexes have arrived.
func (s *Session) ReceivedCount() int {
	n := 0
	for _, ok := range s.Received {
		if ok {
			n++
		}
	}
	return n
}

// Complete reports whether every chunk index has arrived.
func (s *Session) Complete() bool {
	return s.TotalChunks > 0 && s.ReceivedCount() == s.TotalChunks
}

// ErrSessionNotFound is returned for unknown or expired upload ids.
var ErrSessionNotFound = errors.New("upload: session not found")

// sessionRetention bounds how long session records survive in redis.
// The reaper acts long before this; the TTL is the backstop.
const sessionRetention = 24 * time.Hour

// SessionStore keeps sessions in redis under "upload:{id}", with an index
// set for the reaper's scan.
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore wraps a redis client.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

const sessionIndexKey = "uploads:index"

func sessionKey(uploadID string) string { return "upload:" + uploadID }

// Put writes the session and registers it in the index.
func (s *SessionStore) Put(ctx context.Context, sess *Session) error {
	sess.LastUpdated = time.Now()
	buf, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sess.UploadID), buf, sessionRetention)
	pipe.SAdd(ctx, sessionIndexKey, sess.UploadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Get loads one session.
func (s *SessionStore) Get(ctx context.Context, uploadID string) (*Session, error) {
	val, err := s.rdb.Get(ctx, sessionKey(uploadID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Update applies fn to the session and writes it back. Not a CAS; chunk
// handlers tolerate lost increments because the chunk file itself is the
// truth and finalize re-checks the directory.
func (s *SessionStore) Update(ctx context.Context, uploadID string, fn func(*Session) error) (*Session, error) {
	sess, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes the session and its index entry.
func (s *SessionStore) Delete(ctx context.Context, uploadID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionKey(uploadID))
	pipe.SRem(ctx, sessionIndexKey, uploadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every live session. Index entries whose record has expired
// are dropped from the index as they are encountered.
func (s *SessionStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := s.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			_ = s.rdb.SRem(ctx, sessionIndexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
