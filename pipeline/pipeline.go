// Package pipeline turns mirrored documents into batched NDJSON output:
// ordering and sampling, batching under global limits, writing, and
// combining a finished run.
package pipeline

import (
	"iter"
	"slices"

	"github.com/aluiziolira/icecat-harvester/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultBatchSize is the number of records per output file.
const DefaultBatchSize = 1000

// Options controls ordering, sampling and bounding.
type Options struct {
	BatchSize        int
	SampleSize       int // records per category; 0 selects full mode
	Seed             int64
	PerCategoryFiles int // input files per category; 0 means all
	MaxOutputRecords int // records across all categories; 0 means unbounded
	DedupeMaxSize    int // product IDs remembered per category; 0 disables
}

// Sampling reports whether sample mode is active.
func (o Options) Sampling() bool { return o.SampleSize > 0 }

// Engine orders inputs and groups records into batches. One Engine spans a
// whole run so the global record cap applies across categories. It is not
// safe for concurrent use.
type Engine struct {
	opts     Options
	reporter models.Reporter
	emitted  int
}

// NewEngine returns an engine. reporter may be nil.
func NewEngine(opts Options, reporter models.Reporter) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if reporter == nil {
		reporter = models.NopReporter{}
	}
	return &Engine{opts: opts, reporter: reporter}
}

// Emitted returns the number of records placed in batches so far.
func (e *Engine) Emitted() int { return e.emitted }

// Exhausted reports whether the global record cap has been reached.
func (e *Engine) Exhausted() bool {
	return e.opts.MaxOutputRecords > 0 && e.emitted >= e.opts.MaxOutputRecords
}

// Order returns the processing order for one category's input files. The
// listing is sorted first; sample mode then applies the seeded permutation.
// The per-category file cap truncates the result.
func (e *Engine) Order(paths []string) []string {
	ordered := slices.Clone(paths)
	slices.Sort(ordered)
	if e.opts.Sampling() {
		return Sample(ordered, e.opts.PerCategoryFiles, e.opts.Seed)
	}
	if n := e.opts.PerCategoryFiles; n > 0 && len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

// Batches lazily groups the records of one category into sealed batches.
// Consumption of records stops as soon as the sample size or the global cap
// is reached; the last partial batch is still yielded.
func (e *Engine) Batches(category string, records iter.Seq[*models.FlatProduct]) iter.Seq[*models.OutputBatch] {
	return func(yield func(*models.OutputBatch) bool) {
		if e.Exhausted() {
			return
		}

		var seen *lru.Cache[string, struct{}]
		if e.opts.DedupeMaxSize > 0 {
			seen, _ = lru.New[string, struct{}](e.opts.DedupeMaxSize)
		}

		index := 1
		batch := models.NewOutputBatch(category, index, e.opts.BatchSize)
		flush := func() bool {
			if batch.Len() == 0 {
				return true
			}
			batch.Seal()
			if !yield(batch) {
				return false
			}
			index++
			batch = models.NewOutputBatch(category, index, e.opts.BatchSize)
			return true
		}

		selected := 0
		for rec := range records {
			if seen != nil {
				if seen.Contains(rec.ID) {
					e.reporter.Add(category, models.StatDuplicate, 1)
					continue
				}
				seen.Add(rec.ID, struct{}{})
			}

			if err := batch.Append(rec); err != nil {
				return
			}
			selected++
			e.emitted++
			if e.opts.Sampling() {
				e.reporter.Add(category, models.StatSelected, 1)
			}

			if batch.Full() && !flush() {
				return
			}
			if e.opts.Sampling() && selected >= e.opts.SampleSize {
				break
			}
			if e.Exhausted() {
				break
			}
		}
		flush()
	}
}
