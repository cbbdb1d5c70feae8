package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ipgeo/internal/config"
	"ipgeo/internal/geoip"
	"ipgeo/internal/handlers"
	"ipgeo/internal/resolver"
	"ipgeo/internal/updater"
)

var (
	cfg    *config.Config
	logger *logrus.Logger
)

func init() {
	// Initialize logger
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load configuration
	var err error
	cfg, err = config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ipgeo",
		Short: "IP geolocation server with province-level precision for Chinese addresses",
		Long:  `An IP geolocation server that merges MaxMind GeoLite2 data with the GeoCN regional database.`,
		RunE:  runServer,
	}

	// Add CLI flags
	rootCmd.PersistentFlags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP port to listen on")
	rootCmd.PersistentFlags().StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to GeoIP database directory")
	rootCmd.PersistentFlags().BoolVar(&cfg.AutoUpdate, "auto-update", cfg.AutoUpdate, "Enable automatic database updates")
	rootCmd.PersistentFlags().StringVar(&cfg.UpdateInterval, "update-interval", cfg.UpdateInterval, "Database update schedule (cron format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "DNS resolution timeout")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// Cache flags
	rootCmd.PersistentFlags().BoolVar(&cfg.CacheEnabled, "cache-enabled", cfg.CacheEnabled, "Enable IP caching")
	rootCmd.PersistentFlags().DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Cache TTL duration")
	rootCmd.PersistentFlags().IntVar(&cfg.CacheMaxEntries, "cache-max-entries", cfg.CacheMaxEntries, "Maximum cache entries")

	// Add subcommands
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger.Info("Starting ipgeo server...")

	// Fetch missing or stale databases before the first load
	upd := updater.New(cfg.DBPath, logger)
	if cfg.AutoUpdate {
		if err := upd.Run(context.Background(), false); err != nil {
			logger.Warnf("Initial database update incomplete: %v", err)
		}
	}

	// Load the initial snapshot; a missing or corrupt table is fatal here
	manager := geoip.NewManager(cfg.DBPath, logger, cfg.CacheEnabled, cfg.CacheTTL, cfg.CacheMaxEntries)
	if err := manager.Load(); err != nil {
		logger.Fatalf("Failed to load GeoIP databases: %v", err)
	}
	defer manager.Close()

	// Log cache configuration
	if cfg.CacheEnabled {
		logger.Infof("Cache enabled - TTL: %v, Max entries: %d", cfg.CacheTTL, cfg.CacheMaxEntries)
	} else {
		logger.Info("Cache disabled")
	}

	// Setup HTTP handlers
	hostResolver := resolver.New(cfg.ResolveTimeout)
	apiHandler := handlers.NewAPIHandler(manager, hostResolver, logger)
	router := apiHandler.SetupRoutes()

	// Create HTTP server with improved configuration
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Setup automatic database updates
	var cronScheduler *cron.Cron
	if cfg.AutoUpdate {
		cronScheduler = cron.New()
		_, err := cronScheduler.AddFunc(cfg.UpdateInterval, func() {
			logger.Info("Running scheduled database update...")
			if err := upd.Run(context.Background(), false); err != nil {
				logger.Errorf("Failed to update databases: %v", err)
			}
			if err := manager.Reload(); err != nil {
				logger.Errorf("Failed to reload snapshot, keeping previous: %v", err)
			} else {
				logger.Info("Database update completed successfully")
			}
		})
		if err != nil {
			logger.Errorf("Failed to setup cron scheduler: %v", err)
		} else {
			cronScheduler.Start()
			logger.Infof("Scheduled database updates every: %s", cfg.UpdateInterval)
		}
	}

	// Reload the snapshot on SIGHUP without touching in-flight lookups
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			logger.Info("Received SIGHUP, reloading databases...")
			if err := manager.Reload(); err != nil {
				logger.Errorf("Failed to reload snapshot, keeping previous: %v", err)
			}
		}
	}()

	// Start server with improved error handling
	var wg sync.WaitGroup
	serverErrChan := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Infof("Starting HTTP server on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Received shutdown signal, shutting down gracefully...")
	case err := <-serverErrChan:
		logger.Errorf("Server error: %v", err)
		return err
	}

	// Graceful shutdown
	return gracefulShutdown(server, cronScheduler, manager, &wg)
}

// gracefulShutdown handles graceful shutdown of all services
func gracefulShutdown(server *http.Server, cronScheduler *cron.Cron, manager *geoip.Manager, wg *sync.WaitGroup) error {
	logger.Info("Starting graceful shutdown...")

	// Stop accepting new requests
	if cronScheduler != nil {
		logger.Info("Stopping cron scheduler...")
		cronScheduler.Stop()
	}

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
		server.Close() // Force close if graceful shutdown fails
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	// Wait for all goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All server goroutines finished")
	case <-ctx.Done():
		logger.Warn("Timeout waiting for server goroutines to finish")
	}

	// Release the last snapshot
	if err := manager.Close(); err != nil {
		logger.Errorf("Snapshot manager close error: %v", err)
	} else {
		logger.Info("GeoIP databases closed")
	}

	logger.Info("Graceful shutdown completed")
	return nil
}

// Update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update GeoIP databases",
	Long:  `Download the GeoLite2 and GeoCN databases regardless of their age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return updater.New(cfg.DBPath, logger).Run(context.Background(), true)
	},
}

// Status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check database status and integrity",
	Long:  `Check the status and integrity of all GeoIP databases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := geoip.NewManager(cfg.DBPath, logger, false, 0, 0)
		status := manager.DatabaseStatus()

		fmt.Println("Database Status:")
		fmt.Println("================")

		for name, info := range status {
			statusInfo, ok := info.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Printf("\n%s:\n", name)

			if exists, ok := statusInfo["exists"]; ok && exists.(bool) {
				fmt.Printf("  Status: Available\n")

				if size, ok := statusInfo["size"]; ok {
					fmt.Printf("  Size: %d bytes\n", size.(int64))
				}

				if modified, ok := statusInfo["modified"]; ok {
					fmt.Printf("  Modified: %v\n", modified.(time.Time).Format("2006-01-02 15:04:05"))
				}

				if valid, ok := statusInfo["valid"]; ok {
					if valid.(bool) {
						fmt.Printf("  Integrity: Valid\n")
					} else {
						fmt.Printf("  Integrity: Invalid\n")
						if err, ok := statusInfo["error"]; ok {
							fmt.Printf("  Error: %v\n", err)
						}
					}
				}
			} else {
				fmt.Printf("  Status: Not Available\n")
				if err, ok := statusInfo["error"]; ok {
					fmt.Printf("  Error: %v\n", err)
				}
			}
		}

		return nil
	},
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display version and build information.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ipgeo v1.0.0")
		fmt.Println("GeoLite2 city and ASN data merged with GeoCN regional precision")
		fmt.Printf("Cache support: %v\n", cfg.CacheEnabled)
	},
}
