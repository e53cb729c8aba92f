package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/icecat-harvester/catalog"
	"github.com/aluiziolira/icecat-harvester/config"
	"github.com/aluiziolira/icecat-harvester/fetcher"
	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/aluiziolira/icecat-harvester/parser"
	"github.com/aluiziolira/icecat-harvester/pipeline"
	"github.com/aluiziolira/icecat-harvester/reconcile"
	"github.com/aluiziolira/icecat-harvester/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

const (
	indexCacheFile   = "files.index.xml.gz"
	countsFile       = "category_counts.csv"
	countsTopN       = 20
	summarySeparator = "--------------------------------------------------"
)

func runCategories(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return models.ErrConfiguration{Err: err}
	}
	client, err := fetcher.NewClient(cfg, logger)
	if err != nil {
		return models.ErrConfiguration{Err: err}
	}
	defer startMetrics(cfg.MetricsAddr, client.Metrics.Registry)()

	categories, err := client.FetchCategories(ctx, cfg.CategoriesListPath, retryPolicy(cfg, logger))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := catalog.WriteMap(&buf, categories); err != nil {
		return err
	}
	if err := mirror.WriteAtomic(afero.NewOsFs(), cfg.CategoriesFile, buf.Bytes()); err != nil {
		return fmt.Errorf("write category map: %w", err)
	}

	virtual := 0
	for _, c := range categories {
		if c.Virtual {
			virtual++
		}
	}
	logger.Info("category map written",
		slog.String("path", cfg.CategoriesFile),
		slog.Int("categories", len(categories)),
		slog.Int("virtual", virtual),
	)
	return nil
}

func runFeatures(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return models.ErrConfiguration{Err: err}
	}
	client, err := fetcher.NewClient(cfg, logger)
	if err != nil {
		return models.ErrConfiguration{Err: err}
	}
	defer startMetrics(cfg.MetricsAddr, client.Metrics.Registry)()

	features, err := client.FetchFeatures(ctx, cfg.FeaturesListPath, retryPolicy(cfg, logger))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := catalog.WriteFeatures(&buf, features); err != nil {
		return err
	}
	if err := mirror.WriteAtomic(afero.NewOsFs(), cfg.FeaturesFile, buf.Bytes()); err != nil {
		return fmt.Errorf("write feature names: %w", err)
	}
	logger.Info("feature names written",
		slog.String("path", cfg.FeaturesFile),
		slog.Int("features", len(features)),
	)
	return nil
}

func runCounts(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return models.ErrConfiguration{Err: err}
	}
	fs := afero.NewOsFs()

	// Names are optional here; counts are keyed by ID.
	catMap, err := catalog.LoadMap(fs, cfg.CategoriesFile)
	if err != nil {
		logger.Warn("category map unavailable, names left empty", slog.Any("error", err))
		catMap = catalog.NewMap(nil)
	}

	client, err := fetcher.NewClient(cfg, logger)
	if err != nil {
		return models.ErrConfiguration{Err: err}
	}
	defer startMetrics(cfg.MetricsAddr, client.Metrics.Registry)()

	counts, err := newIndexFetcher(client, fs, cfg, catMap, logger).CountByCategory(ctx)
	if err != nil {
		return err
	}
	ranked := stats.RankCounts(counts, catMap.Name)

	var buf bytes.Buffer
	if err := stats.WriteCounts(&buf, ranked); err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, countsFile)
	if err := mirror.WriteAtomic(fs, path, buf.Bytes()); err != nil {
		return fmt.Errorf("write counts: %w", err)
	}

	fmt.Println("\nLargest Categories")
	fmt.Println(summarySeparator)
	for i, c := range ranked {
		if i == countsTopN {
			break
		}
		fmt.Printf("%-8s %-40s %d\n", c.ID, c.Name, c.Count)
	}
	fmt.Println(summarySeparator)
	fmt.Printf("Categories: %d (written to %s)\n", len(ranked), path)
	return nil
}

func runExtract(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return models.ErrConfiguration{Err: err}
	}
	fs := afero.NewOsFs()

	catMap, targets, unresolved, err := loadTargets(fs, cfg, logger)
	if err != nil {
		return err
	}

	client, err := fetcher.NewClient(cfg, logger)
	if err != nil {
		return models.ErrConfiguration{Err: err}
	}
	tally := stats.NewTally()
	reporter := stats.Multi{tally, stats.NewPromReporter(client.Metrics.Registry)}
	defer startMetrics(cfg.MetricsAddr, client.Metrics.Registry)()

	ids := make([]string, 0, len(targets))
	for _, c := range targets {
		ids = append(ids, c.ID)
	}
	entries, err := newIndexFetcher(client, fs, cfg, catMap, logger).Fetch(ctx, ids)
	if err != nil {
		return err
	}

	rec := reconcile.New(client, mirror.New(fs, cfg.MirrorDir, cfg.MinFileSize), reconcile.Options{
		Parallelism: cfg.Parallelism,
		MinFileSize: cfg.MinFileSize,
		Retry:       retryPolicy(cfg, logger),
		Metrics:     client.Metrics,
	}, reporter, logger)

	start := time.Now()
	reports := make([]*models.ExtractReport, 0, len(targets))
	var runErr error
	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		report, err := rec.Reconcile(ctx, c, entries[c.ID])
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			runErr = err
			break
		}
	}

	printExtractSummary(reports, time.Since(start))
	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("extract interrupted: %w", err)
	}
	return errors.Join(unresolved...)
}

func runTransform(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	fs := afero.NewOsFs()

	catMap, targets, unresolved, err := loadTargets(fs, cfg, logger)
	if err != nil {
		return err
	}
	features, err := catalog.LoadFeatures(fs, cfg.FeaturesFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no feature names file, falling back to local names", slog.String("path", cfg.FeaturesFile))
	} else if err != nil {
		return models.ErrConfiguration{Err: err}
	}

	start := time.Now()
	subdir := cfg.ResolveOutputSubdir(start)
	runDir := filepath.Join(cfg.OutputDir, subdir)
	if err := pipeline.PrepareOutput(fs, runDir, cfg.Overwrite); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	tally := stats.NewTally()
	reporter := stats.Multi{tally, stats.NewPromReporter(registry)}
	defer startMetrics(cfg.MetricsAddr, registry)()

	opts := pipeline.Options{
		BatchSize:        cfg.BatchSize,
		SampleSize:       cfg.SampleSize,
		Seed:             cfg.Seed,
		PerCategoryFiles: cfg.PerCategoryFiles,
		MaxOutputRecords: cfg.MaxOutputRecords,
		DedupeMaxSize:    cfg.DedupeMaxSize,
	}
	manifest := pipeline.NewManifest(subdir, opts, start)
	manifest.Unresolved = unresolvedNames(unresolved)

	transformer := pipeline.NewTransformer(
		mirror.New(fs, cfg.MirrorDir, cfg.MinFileSize),
		parser.NewFlattener(features, catMap),
		pipeline.NewEngine(opts, reporter),
		pipeline.NewBatchWriter(fs, runDir),
		reporter,
		logger,
	)
	logger.Info("starting transform",
		slog.String("run_id", manifest.RunID),
		slog.String("run_dir", runDir),
		slog.String("mode", manifest.Mode),
		slog.Int("categories", len(targets)),
	)

	reports, runErr := transformer.Run(ctx, targets)
	manifest.Finish(reports, time.Now())
	if err := pipeline.WriteManifest(fs, runDir, manifest); err != nil {
		logger.Error("failed to write manifest", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}

	printTransformSummary(runDir, reports, tally, time.Since(start))
	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transform interrupted: %w", err)
	}
	return errors.Join(unresolved...)
}

func runCombine(_ context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.OutputSubdir == "" {
		return fmt.Errorf("%w: -subdir is required", errUsage)
	}
	runDir := filepath.Join(cfg.OutputDir, cfg.OutputSubdir)
	dest := filepath.Join(cfg.OutputDir, cfg.OutputSubdir+".ndjson")

	result, err := pipeline.Combine(afero.NewOsFs(), runDir, dest)
	if err != nil {
		return err
	}
	logger.Info("combined run",
		slog.String("run_dir", runDir),
		slog.String("output", dest),
		slog.Int("files", result.Files),
		slog.Int("records", result.Records),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("invalid", result.Invalid),
	)
	return nil
}

// loadTargets reads the category map and resolves the target list. Targets
// that cannot be resolved are logged and returned separately so the run
// continues without them.
func loadTargets(fs afero.Fs, cfg *config.Config, logger *slog.Logger) (*catalog.Map, []models.Category, []error, error) {
	catMap, err := catalog.LoadMap(fs, cfg.CategoriesFile)
	if err != nil {
		return nil, nil, nil, models.ErrConfiguration{Err: fmt.Errorf("%w (run 'harvester categories' first)", err)}
	}
	names, err := catalog.LoadTargets(fs, cfg.TargetsFile)
	if err != nil {
		return nil, nil, nil, models.ErrConfiguration{Err: err}
	}

	targets, failures := catMap.ResolveTargets(names)
	for _, f := range failures {
		logger.Error("target category skipped", slog.Any("error", f))
	}
	if len(targets) == 0 && len(failures) == 0 {
		logger.Warn("target list is empty", slog.String("path", cfg.TargetsFile))
	}
	return catMap, targets, failures, nil
}

func unresolvedNames(failures []error) []string {
	var names []string
	for _, e := range failures {
		var u models.ErrUnresolvedCategory
		if errors.As(e, &u) {
			names = append(names, u.Name)
		}
	}
	return names
}

func newIndexFetcher(client *fetcher.Client, fs afero.Fs, cfg *config.Config, catMap *catalog.Map, logger *slog.Logger) *fetcher.IndexFetcher {
	return fetcher.NewIndexFetcher(client, fs, fetcher.IndexOptions{
		IndexURL:  client.URL(cfg.IndexPath),
		CachePath: filepath.Join(cfg.DataDir, indexCacheFile),
		MinSize:   cfg.MinIndexSize,
		Refresh:   cfg.RefreshIndex,
		Retry:     retryPolicy(cfg, logger),
	}, catMap, logger)
}

func printExtractSummary(reports []*models.ExtractReport, elapsed time.Duration) {
	fmt.Println("\nExtract Summary")
	fmt.Println(summarySeparator)
	var fetched, failed, pending int
	for _, r := range reports {
		fmt.Printf("%-32s remote=%d present=%d fetched=%d failed=%d restricted=%d pending=%d stale=%d\n",
			r.Category.Name, r.Remote, r.Present, r.Fetched, r.Failed, r.Restricted, r.Pending, r.Stale)
		fetched += r.Fetched
		failed += r.Failed
		pending += r.Pending
	}
	fmt.Println(summarySeparator)
	fmt.Printf("Categories: %d\n", len(reports))
	fmt.Printf("Fetched:    %d\n", fetched)
	fmt.Printf("Failed:     %d\n", failed)
	if pending > 0 {
		fmt.Printf("Pending:    %d (rerun to resume)\n", pending)
	}
	fmt.Printf("Duration:   %s\n", elapsed.Round(time.Millisecond))
}

func printTransformSummary(runDir string, reports []models.TransformReport, tally *stats.Tally, elapsed time.Duration) {
	fmt.Println("\nTransform Summary")
	fmt.Println(summarySeparator)
	for _, r := range reports {
		fmt.Printf("%-32s files=%d parsed=%d malformed=%d emitted=%d batches=%d\n",
			r.Category.Name, r.Files, r.Parsed, r.Malformed, r.Emitted, r.Batches)
	}
	fmt.Println(summarySeparator)
	fmt.Printf("Output:     %s\n", runDir)
	fmt.Printf("Emitted:    %d\n", tally.Total(models.StatEmitted))
	fmt.Printf("Malformed:  %d\n", tally.Total(models.StatMalformed))
	fmt.Printf("Duplicates: %d\n", tally.Total(models.StatDuplicate))
	fmt.Printf("Duration:   %s\n", elapsed.Round(time.Millisecond))
}
