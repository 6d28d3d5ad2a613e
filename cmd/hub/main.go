// Command hub runs the pipeline coordination hub: the TCP dispatcher,
// the state-machine executor, and the tag-velocity governor, wired to a
// Postgres metadata store, a MinIO-backed blob store (optionally
// fronted by Redis), and a SQLite-backed durable transaction queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buelon-hub/pipehub/internal/blobstore"
	"github.com/buelon-hub/pipehub/internal/config"
	"github.com/buelon-hub/pipehub/internal/dispatcher"
	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/hub"
	"github.com/buelon-hub/pipehub/internal/platform/objectstore"
	"github.com/buelon-hub/pipehub/internal/platform/rediscache"
	"github.com/buelon-hub/pipehub/internal/platform/txqueue"
	"github.com/buelon-hub/pipehub/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Error("metadata store migration failed", "error", err)
		os.Exit(1)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	minioClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(bucketCtx, minioClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	var blobBackend blobstore.Store = blobstore.NewMinIOStore(minioClient, storeCfg.Bucket)
	redisOpts, err := rediscache.OptionsFromEnv()
	if err != nil {
		logger.Error("invalid redis cache config", "error", err)
		os.Exit(2)
	}
	if redisClient := rediscache.NewClient(redisOpts); redisClient != nil {
		blobBackend = blobstore.NewCachedStore(blobBackend, redisClient, redisOpts.TTL)
		logger.Info("step-data blob cache enabled", "addr", redisOpts.Addr)
	}
	blobs := blobstore.New(blobBackend)

	queue, err := txqueue.Open(cfg.TxQueueDir)
	if err != nil {
		logger.Error("durable transaction queue unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	stepStore := postgres.NewStepStore(db)
	velocityStore := postgres.NewVelocityStore(db)

	h := hub.New(stepStore, velocityStore, blobs, queue, logger)

	seeds, err := config.LoadVelocitySeed(cfg.VelocityConfigPath)
	if err != nil {
		logger.Error("invalid velocity seed file", "error", err)
		os.Exit(2)
	}
	for _, seed := range seeds {
		if err := velocityStore.Upsert(ctx, domain.TagVelocity{Tag: seed.Tag, VelocityLimit: seed.VelocityLimit}); err != nil {
			logger.Error("failed to seed tag velocity", "tag", seed.Tag, "error", err)
			os.Exit(1)
		}
	}

	ln, err := dispatcher.Listen(ctx, cfg.Addr())
	if err != nil {
		logger.Error("bind failed", "addr", cfg.Addr(), "error", err)
		os.Exit(1)
	}

	d := dispatcher.New(h, logger)

	go h.Governor.Run()
	defer h.Governor.Stop()

	executorDone := make(chan struct{})
	go func() {
		defer close(executorDone)
		if err := d.RunExecutor(ctx); err != nil {
			logger.Error("executor stopped", "error", err)
		}
	}()

	logger.Info("hub listening", "addr", cfg.Addr())
	serveErr := d.Serve(ctx, ln)

	// Serve only returns once every already-accepted connection has been
	// replied to; RunExecutor stops on the same ctx, so wait for it too
	// before doing one final forced drain of the durable queue, per
	// spec.md §4.4's "drain the transaction queue before exit".
	<-executorDone

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	for {
		applied, err := h.DrainOne(drainCtx)
		if err != nil {
			logger.Error("final queue drain failed", "error", err)
			break
		}
		if !applied {
			break
		}
	}
	cancelDrain()

	if serveErr != nil {
		logger.Error("dispatcher stopped", "error", serveErr)
		os.Exit(1)
	}
	logger.Info("hub shut down")
}
