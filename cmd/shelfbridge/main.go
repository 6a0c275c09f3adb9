package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/matcher"
	"github.com/shelfbridge/shelfbridge/internal/rategate"
	"github.com/shelfbridge/shelfbridge/internal/session"
	"github.com/shelfbridge/shelfbridge/internal/sync"
)

// version is set at build time via ldflags
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "shelfbridge",
		Usage:   "Synchronize reading progress from Audiobookshelf to Hardcover",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				EnvVars: []string{"SHELFBRIDGE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Run one synchronization pass",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "sync every book regardless of cached state",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "report what would change without writing anything",
					},
				},
				Action: runSync,
			},
			{
				Name:  "cache",
				Usage: "Inspect or reset the progress cache",
				Subcommands: []*cli.Command{
					{
						Name:   "stats",
						Usage:  "Show cache record counts and size",
						Action: runCacheStats,
					},
					{
						Name:   "clear",
						Usage:  "Remove every cached record",
						Action: runCacheClear,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes the global logger
func loadConfig(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}

	logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: logger.ParseLogFormat(cfg.Logging.Format),
	})
	return cfg, logger.Get(), nil
}

func runSync(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("force") {
		cfg.Sync.Force = true
	}
	if c.Bool("dry-run") {
		cfg.Sync.DryRun = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressCache, err := cache.New(cfg.Cache.Path, log)
	if err != nil {
		return err
	}
	defer progressCache.Close()

	trackerGate := rategate.New("audiobookshelf",
		cfg.RateLimits.Audiobookshelf.MaxConcurrency,
		cfg.RateLimits.Audiobookshelf.MaxRequestsPerMinute, log)
	catalogGate := rategate.New("hardcover",
		cfg.RateLimits.Hardcover.MaxConcurrency,
		cfg.RateLimits.Hardcover.MaxRequestsPerMinute, log)

	tracker := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token, trackerGate, log)

	catalogCfg := hardcover.DefaultClientConfig()
	catalogCfg.Endpoint = cfg.Hardcover.Endpoint
	catalog := hardcover.NewClient(catalogCfg, cfg.Hardcover.Token, catalogGate, log)

	resolver := matcher.NewResolver(catalog, progressCache, matcher.Config{
		AutoAdd:           cfg.Sync.AutoAdd,
		TitleAuthorSearch: cfg.Sync.TitleAuthorSearch,
	}, log)
	sessions := session.NewManager(cfg.Sync.Thresholds, log)
	completion := session.NewCompletionCoordinator(catalog, log)

	service := sync.NewService(cfg, tracker, catalog, progressCache, resolver, sessions, completion, log)

	result, err := service.Sync(ctx)
	if err != nil {
		return err
	}

	printSummary(result)
	if result.Failed > 0 {
		return fmt.Errorf("%d book(s) failed to sync", result.Failed)
	}
	return nil
}

func printSummary(result sync.Result) {
	fmt.Printf("Run %s: %d items", result.RunID, result.Total)
	if result.DryRun {
		fmt.Print(" (dry run)")
	}
	fmt.Printf("\n  synced:    %d\n  completed: %d\n  skipped:   %d\n  failed:    %d\n",
		result.Synced, result.Completed, result.Skipped, result.Failed)
	if result.AutoAdded > 0 {
		fmt.Printf("  added to shelf: %d\n", result.AutoAdded)
	}
	if result.Duplicates > 0 {
		fmt.Printf("  duplicates removed: %d\n", result.Duplicates)
	}
	for _, msg := range result.Errors {
		fmt.Printf("  FAILED %s\n", msg)
	}
}

func runCacheStats(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	progressCache, err := cache.New(cfg.Cache.Path, log)
	if err != nil {
		return err
	}
	defer progressCache.Close()

	stats, err := progressCache.GetStats(context.Background())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCacheClear(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	progressCache, err := cache.New(cfg.Cache.Path, log)
	if err != nil {
		return err
	}
	defer progressCache.Close()

	if err := progressCache.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}
