// SPDX-License-Identifier: MIT

// Package timing persists per-word TTS timings and maps them onto final
// segment boundaries.
package timing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// WordTiming is one rendered word with its absolute time span. After
// mapping, SegmentIndex and SegmentOffset place the word inside the final
// segment grid.
type WordTiming struct {
	Word          string  `json:"word"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	SegmentIndex  int     `json:"segment_index"`
	SegmentOffset float64 `json:"segment_offset"`
	Mapped        bool    `json:"mapped"`
}

// ShardStore keeps raw timing shards in badger while a voice generation is
// in flight. Shards are append-only per (track, voice); consolidation
// drops them once timings.zst is written.
//
// Keys: "shard:<track>:<voice>:<seq %05d>" holding a JSON array of words.
type ShardStore struct {
	db *badger.DB
}

// OpenShardStore opens (or creates) the store at path.
func OpenShardStore(path string) (*ShardStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open timing store: %w", err)
	}
	return &ShardStore{db: db}, nil
}

func (s *ShardStore) Close() error { return s.db.Close() }

func shardPrefix(trackID, voiceID string) []byte {
	return []byte("shard:" + trackID + ":" + voiceID + ":")
}

func shardKey(trackID, voiceID string, seq int) []byte {
	return []byte(fmt.Sprintf("shard:%s:%s:%05d", trackID, voiceID, seq))
}

// AppendShard stores one batch of word timings under the next sequence
// number after the given one. Callers thread the sequence themselves; the
// TTS worker writes shards strictly in order.
func (s *ShardStore) AppendShard(ctx context.Context, trackID, voiceID string, seq int, words []WordTiming) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := json.Marshal(words)
	if err != nil {
		return fmt.Errorf("encode timing shard: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(trackID, voiceID, seq), buf)
	})
}

// LoadWords reads all shards for (track, voice) in sequence order and
// returns the concatenated word list.
func (s *ShardStore) LoadWords(ctx context.Context, trackID, voiceID string) ([]WordTiming, error) {
	var out []WordTiming
	prefix := shardPrefix(trackID, voiceID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var words []WordTiming
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &words)
			}); err != nil {
				return fmt.Errorf("decode timing shard %s: %w", it.Item().Key(), err)
			}
			out = append(out, words...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DropShards removes every shard for (track, voice).
func (s *ShardStore) DropShards(ctx context.Context, trackID, voiceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix(shardPrefix(trackID, voiceID))
}

// HasShards reports whether any shard exists for (track, voice).
func (s *ShardStore) HasShards(ctx context.Context, trackID, voiceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := shardPrefix(trackID, voiceID)
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return found, nil
}
