package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/api"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/duplicate"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/gradesync"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/hook"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/membership"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/queue"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/storage"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/transport"
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

	log.Info().Str("version", cfg.App.Version).Msg("Starting API server")

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
	duplicator := duplicate.NewService(repo, lmsHost, lmsHost, lmsHost, backupClient,
		archives, memberSync, cfg.Provider, cfg.Sync.RestoreLease)

	// Initialize API handler
	handler := api.NewHandler(repo, gradeSync, duplicator, cfg)

	// Setup Gin router
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.CORSMiddleware())
	router.Use(api.LoggingMiddleware())
	router.Use(api.RecoveryMiddleware())

	// Setup routes
	api.SetupRoutes(router, handler)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown server
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
