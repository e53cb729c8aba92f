// Package reconcile brings the local mirror of a category in line with the
// remote manifest by downloading what is missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/icecat-harvester/fetcher"
	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
)

// Options controls download behaviour.
type Options struct {
	Parallelism int
	MinFileSize int64
	Retry       fetcher.RetryPolicy
	Metrics     *fetcher.Metrics // counts document retries; may be nil
}

// Reconciler downloads documents listed remotely but absent locally.
type Reconciler struct {
	getter   fetcher.Getter
	mirror   *mirror.Mirror
	opts     Options
	reporter models.Reporter
	logger   *slog.Logger
}

// New builds a reconciler. reporter and logger may be nil.
func New(getter fetcher.Getter, m *mirror.Mirror, opts Options, reporter models.Reporter, logger *slog.Logger) *Reconciler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if reporter == nil {
		reporter = models.NopReporter{}
	}
	opts.Retry = opts.Retry.Counted(opts.Metrics)
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		getter:   getter,
		mirror:   m,
		opts:     opts,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Diff compares remote entries with a local snapshot. missing holds remote
// entries without a valid local copy, sorted by FileID with remote duplicates
// collapsed; stale holds local files the remote no longer lists.
func Diff(remote []models.RemoteIndexEntry, local map[string]models.LocalFileRecord) (missing []models.RemoteIndexEntry, stale []models.LocalFileRecord) {
	listed := make(map[string]struct{}, len(remote))
	for _, entry := range remote {
		if _, dup := listed[entry.FileID]; dup {
			continue
		}
		listed[entry.FileID] = struct{}{}
		if rec, ok := local[entry.FileID]; ok && rec.Valid {
			continue
		}
		missing = append(missing, entry)
	}
	for id, rec := range local {
		if _, ok := listed[id]; !ok {
			stale = append(stale, rec)
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].FileID < missing[j].FileID })
	sort.Slice(stale, func(i, j int) bool { return stale[i].FileID < stale[j].FileID })
	return missing, stale
}

// placementError wraps failures writing into the mirror. They abort the run.
type placementError struct {
	err error
}

func (e placementError) Error() string { return fmt.Sprintf("place document: %v", e.err) }
func (e placementError) Unwrap() error { return e.err }

// Reconcile scans the mirror for c, downloads every missing entry and reports
// the outcome. Individual download failures are recorded on the report; an
// error is returned only when the mirror cannot be read or written.
func (r *Reconciler) Reconcile(ctx context.Context, c models.Category, remote []models.RemoteIndexEntry) (*models.ExtractReport, error) {
	start := time.Now()

	local, err := r.mirror.Scan(c)
	if err != nil {
		return nil, err
	}
	missing, stale := Diff(remote, local)

	report := &models.ExtractReport{
		Category: c,
		Missing:  len(missing),
		Stale:    len(stale),
	}
	report.Remote = report.Missing + countPresent(remote, local)
	report.Present = report.Remote - report.Missing

	r.reporter.Add(c.Name, models.StatSkipped, report.Present)
	r.reporter.Add(c.Name, models.StatStale, report.Stale)
	for _, rec := range stale {
		r.logger.Debug("stale local document", slog.String("category", c.Name), slog.String("path", rec.Path))
	}

	tasks := make([]*models.DownloadTask, 0, len(missing))
	for _, entry := range missing {
		tasks = append(tasks, models.NewDownloadTask(entry))
	}
	report.Tasks = tasks

	runErr := r.runTasks(ctx, c, tasks)

	for _, task := range tasks {
		switch task.State {
		case models.TaskSuccess:
			report.Fetched++
		case models.TaskFailed:
			report.Failed++
			if errors.Is(task.Err, mirror.ErrRestricted) {
				report.Restricted++
			}
			report.FailedFiles = append(report.FailedFiles, task.Entry.FileID)
		default:
			report.Pending++
		}
	}
	report.Duration = time.Since(start)
	return report, runErr
}

func countPresent(remote []models.RemoteIndexEntry, local map[string]models.LocalFileRecord) int {
	seen := make(map[string]struct{}, len(remote))
	n := 0
	for _, entry := range remote {
		if _, dup := seen[entry.FileID]; dup {
			continue
		}
		seen[entry.FileID] = struct{}{}
		if rec, ok := local[entry.FileID]; ok && rec.Valid {
			n++
		}
	}
	return n
}

func (r *Reconciler) runTasks(ctx context.Context, c models.Category, tasks []*models.DownloadTask) error {
	if len(tasks) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		fatalErr error
	)
	abort := func(err error) {
		mu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		mu.Unlock()
		cancel()
	}

	queue := make(chan *models.DownloadTask)
	var wg sync.WaitGroup
	workers := r.opts.Parallelism
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := r.runTask(runCtx, c, task); err != nil {
					abort(err)
				}
			}
		}()
	}

feed:
	for _, task := range tasks {
		select {
		case queue <- task:
		case <-runCtx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	return fatalErr
}

// runTask drives one task to success, permanent failure, or leaves it
// pending when the run is cancelled. Only placement errors are returned.
func (r *Reconciler) runTask(ctx context.Context, c models.Category, task *models.DownloadTask) error {
	entry := task.Entry
	attempts, err := fetcher.Retry(ctx, r.opts.Retry, func(attempt int) error {
		task.Attempts = attempt
		data, err := r.getter.Get(ctx, entry.URL)
		if err != nil {
			return err
		}
		if err := mirror.Verify(data, r.opts.MinFileSize); err != nil {
			malformed := models.ErrMalformedDocument{Path: entry.URL, Err: err}
			if errors.Is(err, mirror.ErrRestricted) {
				return fetcher.Permanent(malformed)
			}
			return malformed
		}
		if _, err := r.mirror.Place(c, entry.FileID, data); err != nil {
			return fetcher.Permanent(placementError{err: err})
		}
		return nil
	})
	task.Attempts = attempts

	if err == nil {
		task.Succeed()
		r.reporter.Add(c.Name, models.StatFetched, 1)
		return nil
	}

	var placeErr placementError
	if errors.As(err, &placeErr) {
		task.Fail(err)
		r.reporter.Add(c.Name, models.StatFailed, 1)
		return fmt.Errorf("category %s: %w", c.Name, placeErr)
	}
	if ctx.Err() != nil && !fetcher.IsPermanent(err) && attempts < r.opts.Retry.MaxAttempts {
		return nil
	}

	task.Fail(models.ErrRemoteUnavailable{URL: entry.URL, Attempts: attempts, Err: err})
	r.reporter.Add(c.Name, models.StatFailed, 1)
	if errors.Is(err, mirror.ErrRestricted) {
		r.reporter.Add(c.Name, models.StatRestricted, 1)
		r.logger.Info("restricted product skipped",
			slog.String("category", c.Name),
			slog.String("file_id", entry.FileID),
			slog.Any("error", err),
		)
		return nil
	}
	r.logger.Warn("download failed",
		slog.String("category", c.Name),
		slog.String("file_id", entry.FileID),
		slog.Int("attempts", attempts),
		slog.String("error_type", fetcher.ErrorType(err)),
		slog.Any("error", err),
	)
	return nil
}
