package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/spf13/afero"
)

// ErrOutputExists is returned when the run directory already has content and
// overwriting was not requested.
var ErrOutputExists = errors.New("pipeline: output directory not empty")

// BatchFileName returns the file name of the batch with the given index.
func BatchFileName(index int) string {
	return fmt.Sprintf("batch_%03d.ndjson", index)
}

// BatchIndex parses the index out of a batch file name.
func BatchIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(filepath.Base(name), "batch_")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".ndjson")
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// BatchWriter writes sealed batches as NDJSON files under a run directory.
type BatchWriter struct {
	fs   afero.Fs
	root string
}

// NewBatchWriter returns a writer rooted at the run directory.
func NewBatchWriter(fs afero.Fs, root string) *BatchWriter {
	return &BatchWriter{fs: fs, root: root}
}

// Write stores b under folder and returns the file path. Files appear
// atomically.
func (w *BatchWriter) Write(folder string, b *models.OutputBatch) (string, error) {
	if b.Len() == 0 {
		return "", fmt.Errorf("batch %d of %s is empty", b.Index, b.Category)
	}
	data, err := EncodeNDJSON(b.Records)
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.root, folder, BatchFileName(b.Index))
	if err := mirror.WriteAtomic(w.fs, path, data); err != nil {
		return "", fmt.Errorf("write batch: %w", err)
	}
	return path, nil
}

// EncodeNDJSON renders records one JSON object per line.
func EncodeNDJSON(records []*models.FlatProduct) ([]byte, error) {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode json record %s: %w", rec.ID, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush json writer: %w", err)
	}
	return buf.Bytes(), nil
}

// PrepareOutput makes dir ready for a new run. An existing non-empty
// directory is refused unless overwrite is set, in which case it is emptied.
func PrepareOutput(fs afero.Fs, dir string, overwrite bool) error {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return fmt.Errorf("inspect output dir: %w", err)
	}
	empty := true
	if exists {
		if empty, err = afero.IsEmpty(fs, dir); err != nil {
			return fmt.Errorf("inspect output dir: %w", err)
		}
	}
	switch {
	case !empty && !overwrite:
		return fmt.Errorf("%w: %s", ErrOutputExists, dir)
	case !empty:
		if err := fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear output dir: %w", err)
		}
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", dir, err)
	}
	return nil
}
