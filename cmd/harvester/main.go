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
	"syscall"
	"time"

	"github.com/aluiziolira/icecat-harvester/config"
	"github.com/aluiziolira/icecat-harvester/fetcher"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// errUsage marks command line mistakes.
var errUsage = errors.New("usage error")

type command struct {
	name    string
	summary string
	flags   func(fs *flag.FlagSet, cfg *config.Config)
	run     func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error
}

func commands() []command {
	return []command{
		{name: "categories", summary: "download the category list and rebuild categories.csv", flags: networkFlags, run: runCategories},
		{name: "features", summary: "download the feature list and rebuild features.csv", flags: featuresFlags, run: runFeatures},
		{name: "counts", summary: "count manifest entries per category into category_counts.csv", flags: countsFlags, run: runCounts},
		{name: "extract", summary: "mirror the documents of every target category", flags: extractFlags, run: runExtract},
		{name: "transform", summary: "flatten mirrored documents into NDJSON batches", flags: transformFlags, run: runTransform},
		{name: "combine", summary: "merge the batches of one run into a single NDJSON file", flags: combineFlags, run: runCombine},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		usage(stderr)
		return exitOK
	}

	var cmd *command
	for _, c := range commands() {
		if c.name == name {
			cmd = &c
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr)
		return exitUsage
	}

	cfg, err := loadConfig(*cmd, rest, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return exitFailure
	}

	logger, _ := newLogger(cfg.Verbose)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cmd.run(ctx, cfg, logger)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		slog.Error("invalid arguments", slog.Any("error", err))
		return exitUsage
	default:
		slog.Error(cmd.name+" failed",
			slog.String("error_kind", models.ErrorKind(err)),
			slog.Any("error", err),
		)
		return exitFailure
	}
}

// loadConfig layers defaults, the optional YAML file, .env, the environment
// and finally the command line flags.
func loadConfig(cmd command, args []string, stderr io.Writer) (*config.Config, error) {
	var configPath string
	probe := newFlagSet(cmd, config.DefaultConfig(), &configPath, stderr)
	if err := probe.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, errUsage
	}
	if probe.NArg() > 0 {
		fmt.Fprintf(stderr, "%s: unexpected arguments %v\n", cmd.name, probe.Args())
		return nil, errUsage
	}

	cfg := config.DefaultConfig()
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, models.ErrConfiguration{Err: err}
	}
	if configPath != "" {
		if err := config.LoadFile(cfg, configPath); err != nil {
			return nil, models.ErrConfiguration{Err: err}
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, models.ErrConfiguration{Err: err}
	}

	final := newFlagSet(cmd, cfg, &configPath, io.Discard)
	if err := final.Parse(args); err != nil {
		return nil, errUsage
	}
	return cfg, nil
}

func newFlagSet(cmd command, cfg *config.Config, configPath *string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the index cache and reference files")
	fs.StringVar(&cfg.CategoriesFile, "categories-file", cfg.CategoriesFile, "Category map CSV (ID,Name[,Virtual])")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	if cmd.flags != nil {
		cmd.flags(fs, cfg)
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: harvester %s [flags]\n\n%s\n\nFlags:\n", cmd.name, cmd.summary)
		fs.PrintDefaults()
	}
	return fs
}

func networkFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Icecat export base URL")
	fs.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Number of concurrent downloads")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.Float64Var(&cfg.RequestRate, "rate", cfg.RequestRate, "Maximum requests per second (0 = unlimited)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts per document before giving up")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	fs.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
}

func featuresFlags(fs *flag.FlagSet, cfg *config.Config) {
	networkFlags(fs, cfg)
	fs.StringVar(&cfg.FeaturesFile, "features-file", cfg.FeaturesFile, "Feature name CSV to write (ID,Name)")
}

func countsFlags(fs *flag.FlagSet, cfg *config.Config) {
	networkFlags(fs, cfg)
	fs.BoolVar(&cfg.RefreshIndex, "refresh-index", cfg.RefreshIndex, "Download the index even when a cached copy is usable")
}

func extractFlags(fs *flag.FlagSet, cfg *config.Config) {
	countsFlags(fs, cfg)
	fs.StringVar(&cfg.MirrorDir, "mirror-dir", cfg.MirrorDir, "Root of the local document mirror")
	fs.StringVar(&cfg.TargetsFile, "targets", cfg.TargetsFile, "File listing target category names")
	fs.Int64Var(&cfg.MinFileSize, "min-file-size", cfg.MinFileSize, "Smaller local files are treated as partial downloads")
}

func transformFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.MirrorDir, "mirror-dir", cfg.MirrorDir, "Root of the local document mirror")
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Root of the NDJSON output")
	fs.StringVar(&cfg.TargetsFile, "targets", cfg.TargetsFile, "File listing target category names")
	fs.StringVar(&cfg.FeaturesFile, "features-file", cfg.FeaturesFile, "Feature name CSV (ID,Name), optional")
	fs.StringVar(&cfg.OutputSubdir, "subdir", cfg.OutputSubdir, "Run directory name (default run_YYYYMMDD_HHMMSS)")
	fs.IntVar(&cfg.PerCategoryFiles, "limit", cfg.PerCategoryFiles, "Input files per category (0 = all)")
	fs.IntVar(&cfg.MaxOutputRecords, "max-output-records", cfg.MaxOutputRecords, "Stop after this many records in total (0 = no limit)")
	fs.IntVar(&cfg.SampleSize, "sample", cfg.SampleSize, "Deterministically sample this many records per category (0 = all)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Shuffle seed for sampling")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per output file")
	fs.IntVar(&cfg.DedupeMaxSize, "dedupe-max", cfg.DedupeMaxSize, "Product IDs remembered per category for duplicate removal (0 = off)")
	fs.BoolVar(&cfg.Overwrite, "overwrite", cfg.Overwrite, "Replace an existing non-empty run directory")
}

func combineFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Root of the NDJSON output")
	fs.StringVar(&cfg.OutputSubdir, "subdir", cfg.OutputSubdir, "Run directory to combine (required)")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: harvester <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'harvester <command> -h' for command flags.")
}

func retryPolicy(cfg *config.Config, logger *slog.Logger) fetcher.RetryPolicy {
	return fetcher.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		BackoffMax:  cfg.RetryBackoffMax,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.String("error_type", fetcher.ErrorType(err)),
				slog.Any("error", err),
			)
		},
	}
}

// startMetrics serves reg on addr until the returned function is called.
func startMetrics(addr string, reg *prometheus.Registry) func() {
	if addr == "" || reg == nil {
		return func() {}
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
