package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/aluiziolira/icecat-harvester/parser"
)

// Transformer runs the transform phase for a sequence of categories.
type Transformer struct {
	mirror    *mirror.Mirror
	flattener *parser.Flattener
	engine    *Engine
	writer    *BatchWriter
	reporter  models.Reporter
	logger    *slog.Logger
}

// NewTransformer wires the transform phase. reporter and logger may be nil.
func NewTransformer(m *mirror.Mirror, flattener *parser.Flattener, engine *Engine, writer *BatchWriter, reporter models.Reporter, logger *slog.Logger) *Transformer {
	if reporter == nil {
		reporter = models.NopReporter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{
		mirror:    m,
		flattener: flattener,
		engine:    engine,
		writer:    writer,
		reporter:  reporter,
		logger:    logger.With(slog.String("component", "transform")),
	}
}

// Run transforms categories in order. It stops early when the global record
// cap is reached or ctx is cancelled. Only write failures are returned as
// errors; reports cover every category processed so far.
func (t *Transformer) Run(ctx context.Context, categories []models.Category) ([]models.TransformReport, error) {
	reports := make([]models.TransformReport, 0, len(categories))
	for _, c := range categories {
		if ctx.Err() != nil {
			break
		}
		if t.engine.Exhausted() {
			t.logger.Info("global record cap reached, skipping remaining categories",
				slog.Int("emitted", t.engine.Emitted()),
			)
			break
		}
		report, err := t.RunCategory(ctx, c)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunCategory transforms the mirrored documents of one category.
func (t *Transformer) RunCategory(ctx context.Context, c models.Category) (models.TransformReport, error) {
	start := time.Now()
	report := models.TransformReport{Category: c}

	paths, err := t.mirror.List(c)
	if err != nil {
		return report, err
	}
	if len(paths) == 0 {
		t.logger.Warn("no mirrored documents", slog.String("category", c.Name))
		return report, nil
	}
	order := t.engine.Order(paths)

	for batch := range t.engine.Batches(c.Name, t.records(ctx, c, order, &report)) {
		path, err := t.writer.Write(c.FolderName(), batch)
		if err != nil {
			return report, fmt.Errorf("category %s: %w", c.Name, err)
		}
		report.Batches++
		report.Emitted += batch.Len()
		t.reporter.Add(c.Name, models.StatEmitted, batch.Len())
		t.logger.Debug("batch written",
			slog.String("category", c.Name),
			slog.String("path", path),
			slog.Int("records", batch.Len()),
		)
	}

	t.logger.Info("category transformed",
		slog.String("category", c.Name),
		slog.Int("files", report.Files),
		slog.Int("parsed", report.Parsed),
		slog.Int("malformed", report.Malformed),
		slog.Int("emitted", report.Emitted),
		slog.Int("batches", report.Batches),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// records lazily reads and flattens documents in order. Malformed documents
// are counted and skipped.
func (t *Transformer) records(ctx context.Context, c models.Category, paths []string, report *models.TransformReport) iter.Seq[*models.FlatProduct] {
	return func(yield func(*models.FlatProduct) bool) {
		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			report.Files++

			data, err := t.mirror.ReadFile(path)
			if err == nil {
				var rec *models.FlatProduct
				rec, err = t.flattener.Flatten(data)
				if err == nil {
					report.Parsed++
					t.reporter.Add(c.Name, models.StatParsed, 1)
					if !yield(rec) {
						return
					}
					continue
				}
			}

			report.Malformed++
			t.reporter.Add(c.Name, models.StatMalformed, 1)
			t.logger.Warn("skipping document",
				slog.String("category", c.Name),
				slog.String("path", path),
				slog.String("error_kind", models.ErrorKind(err)),
				slog.Any("error", err),
			)
		}
	}
}
