// Command corpusctl drives the acquisition engine's Fetch Pipeline from
// the command line: one-shot source passes, a polling daemon loop, and
// config inspection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/coordinator"
	"github.com/foiacquire/corpus/internal/crawlstore"
	"github.com/foiacquire/corpus/internal/observability"
	"github.com/foiacquire/corpus/pkg/corpus"
)

var (
	cfgFile     string
	verbose     bool
	postgresDSN string
	contentRoot string
	mongoURI    string
	mongoDB     string
	metricsAddr string
	sourceID    string

	concurrency int
	depth       int
	maxRetries  int
	interval    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corpusctl",
		Short: "corpusctl — resumable, polite web acquisition engine",
		Long: `corpusctl runs a structured document corpus acquisition source end to end:
discovery (HTML crawl, paginated/cursor/nested API, sitemap), polite
rate-limited fetching, and content-addressed versioned storage.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "source config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", os.Getenv("CORPUS_POSTGRES_DSN"), "Postgres DSN for the Crawl Store")
	rootCmd.PersistentFlags().StringVar(&contentRoot, "content-root", "./data", "Content Store root directory")
	rootCmd.PersistentFlags().StringVar(&sourceID, "source-id", "", "source identifier (defaults to config's name field)")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one full source pass and exit",
		RunE:  runCrawl,
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "Fetch Pipeline worker count (0 = config default)")
	cmd.Flags().IntVarP(&depth, "depth", "d", -1, "HTML BFS max depth override (-1 = use config)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "max retries per failed URL (-1 = use config default)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the source on a fixed polling interval until stopped",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&interval, "interval", "15m", "interval between source passes")
	cmd.Flags().StringVar(&mongoURI, "mongo-uri", os.Getenv("CORPUS_MONGO_URI"), "MongoDB URI for heartbeat reporting (empty disables)")
	cmd.Flags().StringVar(&mongoDB, "mongo-db", "corpus", "MongoDB database for heartbeat documents")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCLIOverrides(cfg)

	store, content, closeFn, err := buildStores(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer closeFn()

	opts := sourceOptionsFromConfig(cfg)
	metrics := maybeServeMetrics(cmd.Context(), logger)
	if metrics != nil {
		opts = append(opts, corpus.WithMetrics(metrics))
	}

	acq, err := corpus.New(effectiveSourceID(cfg), store, content, opts...)
	if err != nil {
		return fmt.Errorf("build acquirer: %w", err)
	}

	logger.Info("starting source pass", "source_id", effectiveSourceID(cfg), "base_url", cfg.BaseURL)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	start := time.Now()
	results, err := acq.Run(ctx)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	var fetched, failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			fetched++
		}
	}
	logger.Info("source pass complete",
		"elapsed", time.Since(start),
		"fetched", fetched,
		"failed", failed,
		"total", len(results),
	)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCLIOverrides(cfg)

	iv, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("invalid --interval: %w", err)
	}

	store, content, closeFn, err := buildStores(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer closeFn()

	var heartbeat *coordinator.HeartbeatReporter
	if mongoURI != "" {
		host, _ := os.Hostname()
		heartbeat, err = coordinator.NewHeartbeatReporter(cmd.Context(), mongoURI, mongoDB, host, config.Version, effectiveSourceID(cfg), logger)
		if err != nil {
			return fmt.Errorf("connect heartbeat reporter: %w", err)
		}
		defer heartbeat.Close(context.Background())
	}

	opts := sourceOptionsFromConfig(cfg)
	metrics := maybeServeMetrics(cmd.Context(), logger)
	if metrics != nil {
		opts = append(opts, corpus.WithMetrics(metrics))
	}

	acq, err := corpus.New(effectiveSourceID(cfg), store, content, opts...)
	if err != nil {
		return fmt.Errorf("build acquirer: %w", err)
	}

	logger.Info("starting daemon loop", "source_id", effectiveSourceID(cfg), "interval", iv)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return acq.Serve(ctx, iv, heartbeat)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("corpusctl %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective source config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Source:\n")
			fmt.Printf("  Name:              %s\n", cfg.Name)
			fmt.Printf("  Base URL:          %s\n", cfg.BaseURL)
			fmt.Printf("  Refresh TTL:       %d days\n", cfg.RefreshTTLDays)
			fmt.Printf("\nDiscovery:\n")
			fmt.Printf("  Type:              %s\n", cfg.Discovery.Type)
			fmt.Printf("  Max Depth:         %d\n", cfg.Discovery.MaxDepth)
			fmt.Printf("  Start Paths:       %v\n", cfg.Discovery.StartPaths)
			fmt.Printf("  Document Patterns: %v\n", cfg.Discovery.DocumentPatterns)
			fmt.Printf("\nFetch:\n")
			fmt.Printf("  Use Browser:       %v\n", cfg.Fetch.UseBrowser)
			fmt.Printf("  Binary Fetch:      %v\n", cfg.Fetch.BinaryFetch)
			fmt.Printf("\nBrowser:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Browser.Enabled)
			fmt.Printf("  Engine:            %s\n", cfg.Browser.Engine)
			fmt.Printf("  Endpoints:         %v\n", cfg.Browser.EndpointURLs())
			fmt.Printf("\nRequest:\n")
			fmt.Printf("  Timeout:           %s\n", cfg.RequestTimeout)
			fmt.Printf("  Delay:             %d ms\n", cfg.RequestDelayMs)
			fmt.Printf("  Via Mode:          %s\n", cfg.ViaMode)
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func loadConfig() (*config.SourceConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyCLIOverrides applies command-line flag values on top of a loaded
// config. Only flags the caller actually set (non-sentinel values) take
// effect, leaving the config file's values as the baseline.
func applyCLIOverrides(cfg *config.SourceConfig) {
	if depth >= 0 {
		cfg.Discovery.MaxDepth = depth
	}
}

func effectiveSourceID(cfg *config.SourceConfig) string {
	if sourceID != "" {
		return sourceID
	}
	return cfg.Name
}

// sourceOptionsFromConfig translates a loaded SourceConfig plus CLI flags
// into the pkg/corpus Option set, since corpusctl always builds its
// Acquirer from a config file rather than inline options.
func sourceOptionsFromConfig(cfg *config.SourceConfig) []corpus.Option {
	opts := []corpus.Option{
		corpus.WithBaseURL(cfg.BaseURL),
		corpus.WithDiscoveryType(cfg.Discovery.Type),
		corpus.WithStartPaths(cfg.Discovery.StartPaths...),
		corpus.WithMaxDepth(cfg.Discovery.MaxDepth),
		corpus.WithDocumentPatterns(cfg.Discovery.DocumentPatterns...),
		corpus.WithAPIDiscovery(cfg.Discovery.API),
		corpus.WithUserAgent(cfg.UserAgent),
		corpus.WithRequestDelay(cfg.RequestDelayMs),
		corpus.WithRefreshTTL(cfg.RefreshTTLDays),
	}
	if cfg.Fetch.BinaryFetch {
		opts = append(opts, corpus.WithBinaryFetch())
	}
	if len(cfg.Via) > 0 {
		opts = append(opts, corpus.WithVia(cfg.Via, cfg.ViaMode))
	}
	if cfg.Browser.Enabled {
		opts = append(opts, corpus.WithBrowser(cfg.Browser.Engine, cfg.Browser.EndpointURLs()...))
	}
	if concurrency > 0 {
		opts = append(opts, corpus.WithConcurrency(concurrency))
	}
	if maxRetries >= 0 {
		opts = append(opts, corpus.WithMaxRetries(maxRetries))
	}
	return opts
}

// buildStores connects the Crawl Store and Content Store that the crawl
// and serve subcommands need. closeFn must be deferred by the caller.
func buildStores(ctx context.Context, logger *slog.Logger) (*crawlstore.PostgresStore, *contentstore.Store, func(), error) {
	if postgresDSN == "" {
		return nil, nil, nil, fmt.Errorf("--postgres-dsn (or CORPUS_POSTGRES_DSN) is required")
	}
	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect crawl store: %w", err)
	}
	store := crawlstore.NewPostgresStore(pool)

	content, err := contentstore.New(contentRoot, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("open content store: %w", err)
	}

	return store, content, func() { pool.Close() }, nil
}

func maybeServeMetrics(ctx context.Context, logger *slog.Logger) *observability.Metrics {
	if metricsAddr == "" {
		return nil
	}
	m := observability.New()
	go func() {
		if err := m.Serve(ctx, metricsAddr); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return m
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
