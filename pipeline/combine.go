package pipeline

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/spf13/afero"
)

// CombineResult summarises a Combine call.
type CombineResult struct {
	Files      int
	Lines      int
	Records    int
	Duplicates int
	Invalid    int
}

// Combine merges every batch file of the run in runDir into dest. Categories
// are read in the order recorded in run.json, else by folder name; batches in
// index order. When an id appears more than once the last record read wins
// but keeps the position of its first appearance.
func Combine(fs afero.Fs, runDir, dest string) (CombineResult, error) {
	var result CombineResult

	folders, err := combineOrder(fs, runDir)
	if err != nil {
		return result, err
	}

	var (
		order []string
		byID  = make(map[string][]byte)
	)
	for _, folder := range folders {
		files, err := afero.Glob(fs, filepath.Join(runDir, folder, "batch_*.ndjson"))
		if err != nil {
			return result, fmt.Errorf("list batches: %w", err)
		}
		for _, file := range sortBatches(files) {
			result.Files++
			if err := readBatch(fs, file, &result, func(id string, line []byte) {
				if _, ok := byID[id]; ok {
					result.Duplicates++
				} else {
					order = append(order, id)
				}
				byID[id] = line
			}); err != nil {
				return result, err
			}
		}
	}

	var buf bytes.Buffer
	for _, id := range order {
		buf.Write(byID[id])
		buf.WriteByte('\n')
	}
	result.Records = len(order)
	if err := mirror.WriteAtomic(fs, dest, buf.Bytes()); err != nil {
		return result, fmt.Errorf("write combined output: %w", err)
	}
	return result, nil
}

// sortBatches orders batch files by their numeric index. Names that do not
// parse sort after the numbered ones, by name.
func sortBatches(files []string) []string {
	slices.SortFunc(files, func(a, b string) int {
		ia, okA := BatchIndex(a)
		ib, okB := BatchIndex(b)
		switch {
		case okA && okB && ia != ib:
			return cmp.Compare(ia, ib)
		case okA != okB:
			if okA {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})
	return files
}

func combineOrder(fs afero.Fs, runDir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, runDir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}
	var folders []string
	present := make(map[string]bool)
	for _, info := range infos {
		if info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
			folders = append(folders, info.Name())
			present[info.Name()] = true
		}
	}
	slices.Sort(folders)

	m, err := ReadManifest(fs, runDir)
	if errors.Is(err, os.ErrNotExist) {
		return folders, nil
	}
	if err != nil {
		return nil, err
	}

	ordered := make([]string, 0, len(folders))
	used := make(map[string]bool)
	for _, report := range m.Categories {
		folder := report.Category.FolderName()
		if present[folder] && !used[folder] {
			ordered = append(ordered, folder)
			used[folder] = true
		}
	}
	for _, folder := range folders {
		if !used[folder] {
			ordered = append(ordered, folder)
		}
	}
	return ordered, nil
}

func readBatch(fs afero.Fs, path string, result *CombineResult, keep func(id string, line []byte)) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		result.Lines++
		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			result.Invalid++
			continue
		}
		keep(rec.ID, slices.Clone(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch %s: %w", path, err)
	}
	return nil
}
