package fetcher

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aluiziolira/icecat-harvester/catalog"
	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/spf13/afero"
)

// IndexOptions configures an IndexFetcher.
type IndexOptions struct {
	IndexURL  string
	CachePath string
	MinSize   int64
	Refresh   bool
	Retry     RetryPolicy
}

// IndexFetcher downloads the catalog manifest and selects the entries of
// requested categories.
type IndexFetcher struct {
	getter     Getter
	resolve    func(path string) string
	fs         afero.Fs
	opts       IndexOptions
	categories *catalog.Map
	metrics    *Metrics
	logger     *slog.Logger
}

// NewIndexFetcher builds a fetcher downloading through client. categories is
// used to drop virtual categories and may be nil.
func NewIndexFetcher(client *Client, fs afero.Fs, opts IndexOptions, categories *catalog.Map, logger *slog.Logger) *IndexFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexFetcher{
		getter:     client,
		resolve:    client.URL,
		fs:         fs,
		opts:       opts,
		categories: categories,
		metrics:    client.Metrics,
		logger:     logger.With(slog.String("component", "index")),
	}
}

// Ensure makes a usable manifest available in the cache and returns its path.
func (f *IndexFetcher) Ensure(ctx context.Context) (string, error) {
	if !f.opts.Refresh {
		if err := f.validCache(); err == nil {
			f.logger.Debug("reusing cached index", slog.String("path", f.opts.CachePath))
			return f.opts.CachePath, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("cached index unusable, downloading again",
				slog.String("path", f.opts.CachePath),
				slog.Any("error", err),
			)
		}
	}

	f.logger.Info("downloading index", slog.String("url", f.opts.IndexURL))
	body, err := download(ctx, f.getter, f.opts.IndexURL, f.opts.Retry, f.metrics)
	if err != nil {
		return "", err
	}
	data, err := ensureGzip(body)
	if err != nil {
		return "", err
	}
	if err := mirror.WriteAtomic(f.fs, f.opts.CachePath, data); err != nil {
		return "", fmt.Errorf("cache index: %w", err)
	}
	f.logger.Info("index cached", slog.String("path", f.opts.CachePath), slog.Int("bytes", len(data)))
	return f.opts.CachePath, nil
}

// Fetch returns the manifest entries of every requested category in a single
// pass, keyed by category ID. Requested IDs without entries map to nil.
func (f *IndexFetcher) Fetch(ctx context.Context, categoryIDs []string) (map[string][]models.RemoteIndexEntry, error) {
	path, err := f.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(categoryIDs))
	out := make(map[string][]models.RemoteIndexEntry, len(categoryIDs))
	for _, id := range categoryIDs {
		if f.categories != nil && f.categories.IsVirtual(id) {
			f.logger.Warn("skipping virtual category", slog.String("category_id", id))
			continue
		}
		wanted[id] = struct{}{}
		out[id] = nil
	}
	if len(wanted) == 0 {
		return out, nil
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer file.Close()

	err = ParseIndex(file, func(entry models.RemoteIndexEntry) {
		if _, ok := wanted[entry.CategoryID]; !ok {
			return
		}
		entry.URL = f.resolve(entry.Path)
		out[entry.CategoryID] = append(out[entry.CategoryID], entry)
	})
	if err != nil {
		return nil, models.ErrMalformedDocument{Path: path, Err: err}
	}
	return out, nil
}

// FetchCategory returns the manifest entries of one category.
func (f *IndexFetcher) FetchCategory(ctx context.Context, categoryID string) ([]models.RemoteIndexEntry, error) {
	all, err := f.Fetch(ctx, []string{categoryID})
	if err != nil {
		return nil, err
	}
	return all[categoryID], nil
}

// CountByCategory tallies manifest entries per category ID, virtual
// categories included.
func (f *IndexFetcher) CountByCategory(ctx context.Context) (map[string]int, error) {
	path, err := f.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer file.Close()

	counts := make(map[string]int)
	if err := ParseIndex(file, func(entry models.RemoteIndexEntry) {
		counts[entry.CategoryID]++
	}); err != nil {
		return nil, models.ErrMalformedDocument{Path: path, Err: err}
	}
	return counts, nil
}

func (f *IndexFetcher) validCache() error {
	info, err := f.fs.Stat(f.opts.CachePath)
	if err != nil {
		return err
	}
	if info.Size() < f.opts.MinSize {
		return fmt.Errorf("index too small: %d bytes", info.Size())
	}
	file, err := f.fs.Open(f.opts.CachePath)
	if err != nil {
		return err
	}
	defer file.Close()
	zr, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("index not a complete gzip stream: %w", err)
	}
	return nil
}

// ParseIndex streams a manifest, gzip-compressed or plain, and calls fn for
// every file entry that names a category and a path.
func ParseIndex(r io.Reader, fn func(models.RemoteIndexEntry)) error {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip index: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	decoder := xml.NewDecoder(src)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse index: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, "file") {
			continue
		}

		entry := models.RemoteIndexEntry{}
		for _, a := range start.Attr {
			value := strings.TrimSpace(a.Value)
			switch a.Name.Local {
			case "path":
				entry.Path = value
			case "Product_ID":
				entry.ProductID = value
			case "Catid":
				entry.CategoryID = value
			case "Updated":
				entry.Updated = value
			case "Quality":
				entry.Quality = value
			}
		}
		if entry.Path == "" || entry.CategoryID == "" {
			continue
		}
		entry.FileID = models.FileIDFromPath(entry.Path)
		if entry.ProductID == "" {
			entry.ProductID = entry.FileID
		}
		fn(entry)
	}
}

// ensureGzip returns body compressed with gzip unless it already is. The HTTP
// layer may transparently decompress .gz downloads.
func ensureGzip(body []byte) ([]byte, error) {
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress index: %w", err)
	}
	return buf.Bytes(), nil
}
