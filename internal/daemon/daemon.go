// SPDX-License-Identifier: MIT

// Package daemon wires the streaming core and runs its lifecycle:
// startup reconciliation, the preparation pool, the reapers and the HTTP
// server, with graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tonehaven/tonehaven/internal/api"
	"github.com/tonehaven/tonehaven/internal/blob"
	"github.com/tonehaven/tonehaven/internal/config"
	"github.com/tonehaven/tonehaven/internal/grant"
	"github.com/tonehaven/tonehaven/internal/log"
	"github.com/tonehaven/tonehaven/internal/popularity"
	"github.com/tonehaven/tonehaven/internal/prep"
	"github.com/tonehaven/tonehaven/internal/probe"
	"github.com/tonehaven/tonehaven/internal/statuslock"
	"github.com/tonehaven/tonehaven/internal/store"
	"github.com/tonehaven/tonehaven/internal/stream"
	"github.com/tonehaven/tonehaven/internal/timing"
	"github.com/tonehaven/tonehaven/internal/upload"
	"github.com/tonehaven/tonehaven/internal/voicecache"
)

const (
	shutdownTimeout = 15 * time.Second
	trackerTTL      = 24 * time.Hour
	voiceIdle       = 30 * time.Minute
)

// Daemon owns every long-lived component. All wiring is explicit.
type Daemon struct {
	cfg     *config.Config
	db      *store.Store
	rdb     *redis.Client
	shards  *timing.ShardStore
	pool    *prep.Pool
	locks   *statuslock.Manager
	uploads *upload.Coordinator
	server  *http.Server
}

// New builds the full dependency graph from the resolved configuration.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "tonehaven"})

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var blobs blob.Store
	if cfg.S3.Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
	} else {
		root := cfg.S3.LocalRoot
		if root == "" {
			root = filepath.Join("data", "objects")
		}
		blobs, err = blob.NewFSStore(root)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	shards, err := timing.OpenShardStore(cfg.TimingsPath)
	if err != nil {
		return nil, err
	}

	prober := probe.New(cfg.HLS.FFprobePath)
	locks := statuslock.NewManager(db, cfg.SegmentsRoot, cfg.LockStaleness)

	preparer := prep.NewPreparer(prep.PreparerOptions{
		DB:           db,
		Blobs:        blobs,
		Prober:       prober,
		Locks:        locks,
		Timings:      shards,
		Segmenter:    prep.NewSegmenter(cfg.HLS.FFmpegPath, cfg.HLS.SegmentSeconds),
		SegmentsRoot: cfg.SegmentsRoot,
		SharedTmp:    cfg.SharedTmp,
	})
	pool := prep.NewPool(cfg.HLS.Workers)

	tracker := voicecache.NewTracker(rdb, trackerTTL)
	grants := grant.NewCache(rdb)

	var pop popularity.Service = popularity.Static(false)
	if cfg.PopularityURL != "" {
		pop = popularity.NewHTTPService(cfg.PopularityURL)
	}

	streams := stream.NewManager(stream.Options{
		DB:           db,
		Pool:         pool,
		Preparer:     preparer,
		Locks:        locks,
		Tracker:      tracker,
		Grants:       grants,
		SegmentsRoot: cfg.SegmentsRoot,
	})
	streams.SetVoiceCache(voicecache.NewManager(voicecache.Options{
		DB:           db,
		Tracker:      tracker,
		Popularity:   pop,
		Purger:       streams,
		SegmentsRoot: cfg.SegmentsRoot,
		IdleTimeout:  voiceIdle,
		Staleness:    cfg.LockStaleness,
	}))

	uploads := upload.NewCoordinator(upload.Options{
		DB:        db,
		Sessions:  upload.NewSessionStore(rdb),
		Blobs:     blobs,
		Prober:    prober,
		Locks:     locks,
		Pool:      pool,
		Preparer:  preparer,
		Streams:   streams,
		SharedTmp: cfg.SharedTmp,
	})

	edge := api.NewServer(api.Options{
		DB:      db,
		Uploads: uploads,
		Streams: streams,
		Minter:  grant.NewMinter(cfg.TokenSecret, cfg.GrantTTL),
		Grants:  grants,
	})

	return &Daemon{
		cfg:     cfg,
		db:      db,
		rdb:     rdb,
		shards:  shards,
		pool:    pool,
		locks:   locks,
		uploads: uploads,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           edge.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}, nil
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails. Interrupted work is reconciled before the server accepts traffic.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	d.pool.Start(poolCtx)

	if err := d.locks.StartupReconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	d.uploads.ReapSessions(ctx)
	d.uploads.SweepStuckTracks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.locks.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		d.uploads.RunReaper(gctx, config.DefaultReaperInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("listen", d.server.Addr).Msg("http server listening")
		if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	stopPool()
	d.pool.Wait()
	d.close()
	logger.Info().Msg("daemon stopped")
	return err
}

func (d *Daemon) close() {
	logger := log.WithComponent("daemon")
	if err := d.shards.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing timing store")
	}
	if err := d.rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing redis client")
	}
	if err := d.db.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing database")
	}
}
