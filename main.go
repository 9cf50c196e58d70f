// Package main runs a worker that fetches a batch of images from an asset store
// and publishes one of them to LinkedIn on every trigger fire until the batch is exhausted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // Trigger time zones must resolve in minimal containers

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"linkedin-autoposter/cloudinary"
	"linkedin-autoposter/fetch"
	"linkedin-autoposter/gallery"
	"linkedin-autoposter/linkedin"
	"linkedin-autoposter/pkg/autopost"
	"linkedin-autoposter/schedule"
	"linkedin-autoposter/server"
	storagepkg "linkedin-autoposter/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger; level is adjusted once config is loaded
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", "error", err)
	}

	cfg, err := parseConfig(nil)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 1
	}
	lvl, _ := cfg.logLevel() // validated by parseConfig
	level.Set(lvl)

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		logger.Error("Invalid time zone", "time_zone", cfg.TimeZone, "error", err)
		return 1
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	source, err := newSource(cfg, httpClient, logger)
	if err != nil {
		logger.Error("Failed to initialize asset source", "error", err)
		return 1
	}

	publisher, err := newPublisher(cfg, httpClient, logger)
	if err != nil {
		logger.Error("Failed to initialize publisher", "error", err)
		return 1
	}

	journal, closeJournal, err := newJournal(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize delivery journal", "error", err)
		return 1
	}
	defer closeJournal()

	fetcher := fetch.New(&fetch.Config{
		Source:   source,
		Client:   httpClient,
		Logger:   logger,
		Location: loc,
		Attempts: cfg.FetchAttempts,
	})

	schedCfg := &schedule.Config{
		Fetcher:   fetcher,
		Publisher: publisher,
		Logger:    logger,
		Location:  loc,
		Trigger:   cfg.Trigger,
		BatchSize: cfg.BatchSize,
	}
	if journal != nil {
		schedCfg.Journal = journal
	}
	sched, err := schedule.New(schedCfg)
	if err != nil {
		logger.Error("Failed to initialize scheduler", "error", err)
		return 1
	}

	srvCtx, cancelSrv := context.WithCancel(ctx)
	srvDone := make(chan struct{})
	if cfg.StatusServer {
		srvCfg := &server.Config{Status: sched, Logger: logger}
		if journal != nil {
			srvCfg.Deliveries = journal
		}
		go func() {
			defer close(srvDone)
			if err := server.New(srvCfg).Run(srvCtx, cfg.Port); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	} else {
		close(srvDone)
	}
	defer func() {
		cancelSrv()
		<-srvDone
	}()

	if err := sched.Start(ctx); err != nil {
		logger.Error("Initialization failed", "error", err)
		return exitCode(sched.State())
	}

	select {
	case <-sched.Done():
	case <-ctx.Done():
		logger.Info("Shutdown requested, waiting for running tick", "remaining", sched.Remaining())
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Warn("Running tick did not finish before shutdown", "error", err)
		}
	}

	state := sched.State()
	logger.Info("Scheduler finished", "state", state, "remaining", sched.Remaining())
	return exitCode(state)
}

// exitCode translates a scheduler state into the process exit status.
func exitCode(state autopost.State) int {
	switch state {
	case autopost.StateFailed, autopost.StateUninitialized:
		return 1
	default:
		return 0
	}
}

func newSource(cfg *Config, client *http.Client, logger *slog.Logger) (fetch.Source, error) {
	switch cfg.AssetSource {
	case sourceGallery:
		logger.Info("Using gallery asset source", "url", cfg.GalleryURL)
		return gallery.New(client, cfg.GalleryURL, cfg.FetchAttempts, logger), nil
	case sourceCloudinary:
		logger.Info("Using Cloudinary asset source", "cloud", cfg.CloudinaryCloudName)
		c, err := cloudinary.New(&cloudinary.Config{
			HTTPClient: client,
			Logger:     logger,
			BaseURL:    cfg.CloudinaryURL,
			CloudName:  cfg.CloudinaryCloudName,
			APIKey:     cfg.CloudinaryAPIKey,
			APISecret:  cfg.CloudinaryAPISecret,
			Attempts:   cfg.FetchAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("cloudinary: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown asset source %q", cfg.AssetSource)
	}
}

func newPublisher(cfg *Config, client *http.Client, logger *slog.Logger) (schedule.Publisher, error) {
	if cfg.DryRun {
		logger.Info("Dry run mode enabled, posts will be logged only")
		return linkedin.NewDryRunPublisher(logger), nil
	}
	c, err := linkedin.New(&linkedin.Config{
		HTTPClient:  client,
		Logger:      logger,
		BaseURL:     cfg.LinkedInURL,
		AccessToken: cfg.LinkedInToken,
		OwnerID:     cfg.LinkedInUserID,
		Attempts:    cfg.PublishAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("linkedin: %w", err)
	}
	return c, nil
}

// newJournal returns nil when neither LOCAL_STORAGE nor STORAGE_BUCKET is set.
func newJournal(ctx context.Context, cfg *Config, logger *slog.Logger) (*storagepkg.Journal, func(), error) {
	noop := func() {}

	if cfg.LocalStorage != "" {
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Recording deliveries to local storage", "storage_path", cfg.LocalStorage)
		return storagepkg.New(nil, "", cfg.LocalStorage, logger), noop, nil
	}

	if cfg.StorageBucket == "" {
		logger.Info("No STORAGE_BUCKET or LOCAL_STORAGE set, delivery journal disabled")
		return nil, noop, nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, noop, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Recording deliveries to Cloud Storage", "bucket", cfg.StorageBucket)

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storagepkg.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}
