// SPDX-License-Identifier: MIT

// Package store persists tracks, albums, voice generation state and the
// TTS segment tables in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

// SQLiteConfig defines standard SQLite operational parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns the recommended pool configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs.
// WAL mode and busy_timeout are applied to every pooled connection via DSN.
func Open(dbPath string, cfg SQLiteConfig) (*sql.DB, error) {
	// _txlock=immediate avoids deferred-to-write upgrades returning
	// SQLITE_BUSY under concurrent lock acquisitions.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}

// Store wraps the database handle and exposes the entity stores.
type Store struct {
	DB *sql.DB
}

// New opens the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := Open(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS albums (
		album_id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		is_restricted INTEGER,
		minimum_tier_cents INTEGER NOT NULL DEFAULT 0,
		minimum_tier_name TEXT NOT NULL DEFAULT '',
		restrictions_updated_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracks (
		track_id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		album_id TEXT NOT NULL REFERENCES albums(album_id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		variant_type TEXT NOT NULL DEFAULT 'audio',
		duration REAL NOT NULL DEFAULT 0,
		codec TEXT NOT NULL DEFAULT '',
		bitrate INTEGER NOT NULL DEFAULT 0,
		sample_rate INTEGER NOT NULL DEFAULT 0,
		channels INTEGER NOT NULL DEFAULT 0,
		file_size INTEGER NOT NULL DEFAULT 0,
		content_version INTEGER NOT NULL DEFAULT 1,
		upload_status TEXT NOT NULL DEFAULT 'uploading',
		processing_status TEXT NOT NULL DEFAULT 'idle',
		processing_voice TEXT,
		processing_locked_at_ms INTEGER,
		processing_type TEXT NOT NULL DEFAULT '',
		hls_ready INTEGER NOT NULL DEFAULT 0,
		segmentation_status TEXT NOT NULL DEFAULT 'incomplete',
		default_voice TEXT,
		visibility_status TEXT NOT NULL DEFAULT 'visible',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_lock ON tracks(processing_status, processing_locked_at_ms);
	CREATE INDEX IF NOT EXISTS idx_tracks_upload ON tracks(upload_status, duration);

	CREATE TABLE IF NOT EXISTS voice_generation_status (
		track_id TEXT NOT NULL REFERENCES tracks(track_id) ON DELETE CASCADE,
		voice_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (track_id, voice_id)
	);

	CREATE INDEX IF NOT EXISTS idx_vgs_status ON voice_generation_status(status, started_at_ms);

	CREATE TABLE IF NOT EXISTS tts_text_segments (
		track_id TEXT NOT NULL REFERENCES tracks(track_id) ON DELETE CASCADE,
		seg_index INTEGER NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (track_id, seg_index)
	);

	CREATE TABLE IF NOT EXISTS tts_voice_segments (
		track_id TEXT NOT NULL REFERENCES tracks(track_id) ON DELETE CASCADE,
		voice_id TEXT NOT NULL,
		seg_index INTEGER NOT NULL,
		actual_duration REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ready',
		file_path TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (track_id, voice_id, seg_index)
	);

	CREATE TABLE IF NOT EXISTS segment_index (
		track_id TEXT NOT NULL REFERENCES tracks(track_id) ON DELETE CASCADE,
		voice_id TEXT NOT NULL DEFAULT '',
		seg_index INTEGER NOT NULL,
		start REAL NOT NULL,
		duration REAL NOT NULL,
		PRIMARY KEY (track_id, voice_id, seg_index)
	);

	CREATE TABLE IF NOT EXISTS donations (
		user_id INTEGER NOT NULL,
		creator_id INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		PRIMARY KEY (user_id, creator_id)
	);

	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		tier_amount_cents INTEGER NOT NULL DEFAULT 0,
		is_team INTEGER NOT NULL DEFAULT 0
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTime(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}
