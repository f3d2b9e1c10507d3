// Package main implements the syncbridge binary: the device-state read
// service that fronts the hot cache and the analytical store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/syncbridge/syncbridge/internal/app"
	"github.com/syncbridge/syncbridge/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Routing mode: lake, parallel")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the read API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Syncbridge - Device State Sync Service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: syncbridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  syncbridge --data-dir /data/syncbridge\n")
		fmt.Fprintf(os.Stderr, "  syncbridge --mode parallel --data-dir /data/syncbridge\n")
		fmt.Fprintf(os.Stderr, "  syncbridge --config /etc/syncbridge/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_MODE          Routing mode (lake, parallel)\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_HTTP_ADDR     HTTP address for the read API\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_FEED_BROKERS  Kafka bootstrap brokers (comma-separated)\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_LAKE_DSN      Analytical store DSN\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_JWT_SECRET    Session token HMAC secret\n")
		fmt.Fprintf(os.Stderr, "  SYNCBRIDGE_STORAGE_TYPE  Snapshot storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("syncbridge version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing order of priority.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("Syncbridge starting")
	log.Printf("  Mode:      %s", cfg.Mode)
	log.Printf("  Data Dir:  %s", cfg.DataDir)
	log.Printf("  HTTP:      %s", cfg.HTTP.Addr)
	log.Printf("  Storage:   %s", cfg.Storage.Type)
	if cfg.Feed.Enabled {
		log.Printf("  Feed:      %s (topic %s)", cfg.Feed.Brokers, cfg.Feed.Topic)
	} else {
		log.Printf("  Feed:      disabled")
	}
	if cfg.Lake.DSN != "" {
		log.Printf("  Lake:      %s (%s)", cfg.Lake.Table, cfg.Lake.Driver)
	}
}
