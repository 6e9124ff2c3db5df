package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ygncode/alldebrid-broker/internal/alldebrid"
	"github.com/ygncode/alldebrid-broker/internal/api"
	"github.com/ygncode/alldebrid-broker/internal/config"
	"github.com/ygncode/alldebrid-broker/internal/downloader"
	"github.com/ygncode/alldebrid-broker/internal/jobmanager"
	"github.com/ygncode/alldebrid-broker/internal/logging"
	"github.com/ygncode/alldebrid-broker/internal/models"
	"github.com/ygncode/alldebrid-broker/internal/scheduler"
	"github.com/ygncode/alldebrid-broker/internal/storage"
	"github.com/ygncode/alldebrid-broker/internal/storageprobe"
)

var (
	downloadPath string
	statePath    string
	apiBind      string
	debridAPIKey string
	debug        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alldebrid-broker",
		Short: "qBittorrent-compatible download broker backed by AllDebrid",
		Long: `alldebrid-broker exposes a qBittorrent Web API v2-compatible HTTP
surface, resolves submitted magnets through the AllDebrid unrestricted-
download gateway, and streams the resulting files to disk within a fixed
memory budget.`,
		RunE: runServer,
	}

	rootCmd.Flags().StringVar(&downloadPath, "download-path", "", "overrides DOWNLOAD_PATH")
	rootCmd.Flags().StringVar(&statePath, "state-path", "", "overrides STATE_PATH")
	rootCmd.Flags().StringVar(&apiBind, "api-bind", "", "overrides API_BIND")
	rootCmd.Flags().StringVar(&debridAPIKey, "debrid-api-key", "", "overrides DEBRID_API_KEY (or set the env var)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable console-encoded debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if debridAPIKey != "" {
		cfg.DebridAPIKey = debridAPIKey
	}
	if downloadPath != "" {
		cfg.DownloadPath = downloadPath
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	if apiBind != "" {
		cfg.APIBind = apiBind
	}
	if cfg.DebridAPIKey == "" {
		return fmt.Errorf("DEBRID_API_KEY is required (env var or --debrid-api-key)")
	}

	log, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.StatePath, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	dbPath := cfg.StatePath + "/broker.db"
	db, err := storage.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	repo := storage.NewRepository(db)

	profile := resolveProfile(cfg, log)

	gateway := alldebrid.NewClient(cfg.DebridAPIKey, cfg.DebridBaseURL, log.Named("alldebrid"))
	sched := scheduler.New(profile)
	dl := downloader.New(log.Named("downloader"))

	mgr := jobmanager.New(repo, gateway, sched, dl, profile, log.Named("jobmanager"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting job manager: %w", err)
	}
	defer mgr.Stop()

	server := api.NewServer(mgr, cfg.DownloadPath, profile.ConcurrentLargeJobs+profile.ConcurrentSmallJobs, log.Named("api"))

	log.Info("starting alldebrid-broker",
		zap.String("bind", cfg.APIBind),
		zap.String("download_path", cfg.DownloadPath),
		zap.String("state_path", cfg.StatePath),
		zap.String("storage_kind", string(profile.Kind)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(cfg.APIBind)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}
	return nil
}

// resolveProfile runs the Storage Probe (spec.md §4.1) unless overridden,
// then applies only the configuration tunables the operator actually set
// (config.Config.Overridden) onto the resulting per-medium tuning table,
// leaving every untouched tunable at the probe's own hdd/ssd default.
func resolveProfile(cfg config.Config, log *zap.Logger) models.TuningProfile {
	override := storageprobe.OverrideAuto
	switch cfg.StorageType {
	case "hdd":
		override = storageprobe.OverrideHDD
	case "ssd":
		override = storageprobe.OverrideSSD
	}

	profile := storageprobe.Probe(cfg.DownloadPath, override, cfg.LargeThresholdBytes, log)
	if cfg.Overridden.MaxConnsPerJob {
		profile.MaxConnectionsPerJob = cfg.MaxConnsPerJob
	}
	if cfg.Overridden.MaxConcurrentLarge {
		profile.ConcurrentLargeJobs = cfg.MaxConcurrentLarge
	}
	if cfg.Overridden.MaxConcurrentSmall {
		profile.ConcurrentSmallJobs = cfg.MaxConcurrentSmall
	}
	if cfg.Overridden.DiskBufferBytes {
		profile.DiskBufferBytes = cfg.DiskBufferBytes
	}
	if cfg.Overridden.FlushIntervalSecs {
		profile.FlushInterval = time.Duration(cfg.FlushIntervalSecs) * time.Second
	}
	if cfg.Overridden.FileAllocate {
		profile.PreAllocate = cfg.FileAllocate
	}
	return profile
}
