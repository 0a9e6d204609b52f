package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aluiziolira/go-scrape-listings/catalog"
	"github.com/aluiziolira/go-scrape-listings/config"
	"github.com/aluiziolira/go-scrape-listings/models"
	"github.com/aluiziolira/go-scrape-listings/parser"
	"github.com/aluiziolira/go-scrape-listings/pipeline"
	"github.com/aluiziolira/go-scrape-listings/scraper"
)

func main() {
	defaultCfg, err := envDefaults()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	configFile := flag.String("config", "", "YAML configuration file")
	maxPages := flag.Int("pages", defaultCfg.MaxPages, "Maximum search pages per price partition")
	maxWorkers := flag.Int("workers", defaultCfg.MaxWorkers, "Number of concurrent detail fetches")
	minPrice := flag.Int64("min-price", defaultCfg.MinPrice, "Lower price bound of the first partition")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per listing")
	retryBackoff := flag.Duration("retry-backoff", defaultCfg.RetryBackoff, "Initial retry backoff")
	retryBackoffMax := flag.Duration("retry-backoff-max", defaultCfg.RetryBackoffMax, "Maximum retry backoff")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Per-request timeout")
	pageTimeout := flag.Duration("page-timeout", defaultCfg.PageTimeout, "Deadline for fetching one search page's listings")
	delayMin := flag.Duration("delay-min", defaultCfg.DelayMin, "Minimum pause between pages")
	delayMax := flag.Duration("delay-max", defaultCfg.DelayMax, "Maximum pause between pages")
	rps := flag.Float64("rps", defaultCfg.RequestsPerSecond, "Detail requests per second (0 = unlimited)")
	outputFile := flag.String("output", defaultCfg.OutputFile, "Output file path")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: csv, json, or dual")
	resume := flag.Bool("resume", false, "Continue from an existing CSV checkpoint")
	browser := flag.Bool("browser", false, "Apply price filters through headless Chrome")
	chromePath := flag.String("chrome-path", "", "Chrome binary for -browser (default: auto-download)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	metricsAddr := flag.String("metrics-addr", defaultCfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()

	cfg := defaultCfg
	if *configFile != "" {
		if err := config.LoadFile(cfg, *configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pages":
			cfg.MaxPages = *maxPages
		case "workers":
			cfg.MaxWorkers = *maxWorkers
		case "min-price":
			cfg.MinPrice = *minPrice
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "retry-backoff":
			cfg.RetryBackoff = *retryBackoff
		case "retry-backoff-max":
			cfg.RetryBackoffMax = *retryBackoffMax
		case "timeout":
			cfg.Timeout = *timeout
		case "page-timeout":
			cfg.PageTimeout = *pageTimeout
		case "delay-min":
			cfg.DelayMin = *delayMin
		case "delay-max":
			cfg.DelayMax = *delayMax
		case "rps":
			cfg.RequestsPerSecond = *rps
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "resume":
			cfg.Resume = *resume
		case "browser":
			cfg.Browser = *browser
		case "chrome-path":
			cfg.ChromePath = *chromePath
		case "v":
			cfg.Verbose = *verbose
		case "log-file":
			cfg.LogFile = *logFile
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	logger, level, closeLog := newLogger(cfg.Verbose, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current page")
	}()

	startTime := time.Now()
	result, checkpointMetrics, err := run(ctx, cfg)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		if result != nil {
			printSummary(result, time.Since(startTime), cfg.OutputFile, checkpointMetrics)
		}
		closeLog()
		os.Exit(1)
	}

	printSummary(result, time.Since(startTime), cfg.OutputFile, checkpointMetrics)
}

func run(ctx context.Context, cfg *config.Config) (*models.ScraperResult, map[string]interface{}, error) {
	metrics := scraper.NewMetrics()
	ledger := scraper.NewLedger()

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return nil, nil, fmt.Errorf("creating writer: %w", err)
	}
	checkpoint, err := pipeline.NewCheckpoint(writer, cfg.DedupeCacheSize)
	if err != nil {
		writer.Close()
		return nil, nil, err
	}
	defer func() {
		if err := checkpoint.Close(); err != nil {
			slog.Error("close checkpoint", slog.Any("error", err))
		}
	}()

	// Opening the writer cuts off any torn row, so the scan sees only
	// complete records.
	var resumeState pipeline.CheckpointState
	if cfg.Resume {
		state, err := pipeline.ScanCheckpoint(cfg.OutputFile)
		if err != nil {
			return nil, nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		resumeState = state
		seeded := ledger.Seed(state.URLs)
		slog.Info("resuming from checkpoint",
			slog.String("file", cfg.OutputFile),
			slog.Int("rows", state.Rows),
			slog.Int("seeded_urls", seeded),
			slog.Int64("max_price", state.MaxPrice),
		)
	}
	checkpoint.Remember(resumeState.DedupeKeys())

	automation, err := newAutomation(cfg, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising automation: %w", err)
	}
	defer func() {
		if err := automation.Close(); err != nil {
			slog.Error("close automation", slog.Any("error", err))
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	extractor := parser.NewCatalogParser(parser.DefaultSelectors())
	transport := scraper.NewHTTPTransport(cfg, metrics)
	fetcher := scraper.NewDetailFetcher(ledger, transport, extractor, metrics)

	driver := scraper.NewDriver(cfg, automation, extractor, fetcher, checkpoint, metrics)
	if next, ok := resumeState.NextBound(); ok {
		driver.StartAt(next)
	}

	slog.Info("starting scrape",
		slog.String("search_url", cfg.SearchURL),
		slog.Int64("min_price", cfg.MinPrice),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.MaxWorkers),
		slog.Bool("browser", cfg.Browser),
	)

	result, err := driver.Run(ctx)
	if err != nil {
		return result, checkpoint.GetMetrics(), err
	}

	if err := checkpoint.Validate(); err != nil {
		slog.Warn("output has no listings", slog.String("file", cfg.OutputFile), slog.Any("error", err))
	}
	return result, checkpoint.GetMetrics(), nil
}

func envDefaults() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if value, ok, err := config.EnvInt("SCRAPER_PAGES"); err != nil {
		return nil, fmt.Errorf("invalid SCRAPER_PAGES: %w", err)
	} else if ok {
		cfg.MaxPages = value
	}
	if value, ok, err := config.EnvInt("SCRAPER_WORKERS"); err != nil {
		return nil, fmt.Errorf("invalid SCRAPER_WORKERS: %w", err)
	} else if ok {
		cfg.MaxWorkers = value
	}
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputFile = value
	}
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	return cfg, nil
}

func newAutomation(cfg *config.Config, metrics *scraper.Metrics) (scraper.Automation, error) {
	if cfg.Browser {
		bc, err := catalog.NewBrowserCatalog(cfg)
		if err != nil {
			return nil, err
		}
		return bc, nil
	}
	hc, err := catalog.NewHTTPCatalog(cfg, metrics)
	if err != nil {
		return nil, err
	}
	return hc, nil
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.ScraperResult, duration time.Duration, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	written := int64(0)
	if n, ok := metrics["written_listings"].(int64); ok {
		written = n
	}
	duplicates := int64(0)
	if n, ok := metrics["duplicate_listings"].(int64); ok {
		duplicates = n
	}

	fmt.Printf("  Listings:      %d\n", result.TotalCount)
	fmt.Printf("  Written:       %d\n", written)
	if duplicates > 0 {
		fmt.Printf("  Duplicates:    %d\n", duplicates)
	}
	fmt.Printf("  Skipped:       %d\n", result.SkippedCount)
	fmt.Printf("  Partitions:    %d\n", result.PartitionCount)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Final bound:   %d\n", result.FinalBound)
	if result.StopReason != "" {
		fmt.Printf("  Stopped:       %s\n", result.StopReason)
	}
	successRate := 0.0
	if attempted := result.TotalCount + result.ErrorCount; attempted > 0 {
		successRate = float64(result.TotalCount) / float64(attempted) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	if duration.Seconds() > 0 {
		fmt.Printf("  Listings/sec:  %.2f\n", float64(result.TotalCount)/duration.Seconds())
	}
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool, logFile string) (*slog.Logger, *slog.LevelVar, func()) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	closeFn := func() {}

	var handler slog.Handler
	if logFile == "" && isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		var out io.Writer = os.Stdout
		if logFile != "" {
			rotating := &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50,
				MaxBackups: 5,
				LocalTime:  true,
			}
			out = io.MultiWriter(os.Stdout, rotating)
			closeFn = func() { _ = rotating.Close() }
		}
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level, closeFn
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
