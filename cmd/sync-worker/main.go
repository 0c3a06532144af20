package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/cleanup"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/duplicate"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/gradesync"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/hook"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/membership"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/photos"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/queue"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/scheduler"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/storage"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/transport"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Get()

	log.Info().Str("version", cfg.App.Version).Msg("Starting sync worker")

	// Initialize database
	database, err := db.NewConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize repository
	repo := db.NewRepository(database)

	// Initialize Redis client
	redisClient, err := queue.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	producer := queue.NewProducer(redisClient, cfg)

	// Host collaborators share the LMS database connection.
	lmsHost := host.NewMoodleHost(database, cfg.Host.TablePrefix)
	backupClient := host.NewBackupClient(cfg.Host.Backup)

	archives, err := storage.NewS3Store(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize archive store")
	}

	sender := transport.NewClient(cfg.Sync.RequestTimeout)
	hooks := hook.NewRegistry()

	gradeSync := gradesync.NewService(repo, lmsHost, lmsHost, lmsHost, hooks, sender)
	memberSync := membership.NewService(repo, lmsHost, lmsHost, lmsHost, sender, producer, cfg.Provider)
	cleaner := cleanup.NewService(repo, lmsHost)
	duplicator := duplicate.NewService(repo, lmsHost, lmsHost, lmsHost, backupClient,
		archives, memberSync, cfg.Provider, cfg.Sync.RestoreLease)

	imageClient := host.NewProfileImageClient(cfg.Host.Backup)
	photoService := photos.NewService(imageClient, cfg.Sync.PhotoTimeout)
	photoWorker := worker.NewPhotoWorker(cfg, photoService, redisClient)

	sched := scheduler.NewScheduler(cfg, repo, gradeSync, memberSync, cleaner, duplicator, producer)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start photo queue consumer
	go func() {
		if err := photoWorker.Start(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Photo worker failed")
		}
	}()

	// Start scheduler
	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Scheduler failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down sync worker...")

	// Cancel context to stop scheduler and workers
	cancel()
	photoWorker.Stop()

	log.Info().Msg("Sync worker exited")
}
