package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// ReadTargets returns target names, one per line. Blank lines and lines
// starting with # are skipped; repeated names keep their first position.
func ReadTargets(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(stripBOM(r))
	seen := make(map[string]struct{})
	var targets []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := nameKey(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return targets, nil
}

// LoadTargets reads the targets file at path.
func LoadTargets(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets: %w", err)
	}
	defer f.Close()
	return ReadTargets(f)
}

func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	rdr, _, err := br.ReadRune()
	if err != nil {
		return br
	}
	if rdr != '\uFEFF' {
		br.UnreadRune()
	}
	return br
}
