// Package mirror is the on-disk copy of the remote catalog. Its state is
// whatever a fresh directory scan finds; nothing is cached between runs.
package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/antchfx/xmlquery"
	"github.com/spf13/afero"
)

const docExt = ".xml"

// ErrRestricted marks a well-formed error stub: Icecat answers restricted or
// withdrawn products with a Product carrying ErrorMessage and no ID.
var ErrRestricted = errors.New("restricted product")

// Mirror maps categories to directories under a root.
type Mirror struct {
	fs      afero.Fs
	root    string
	minSize int64
}

// New returns a mirror rooted at root. Files smaller than minSize bytes are
// treated as partial downloads.
func New(fs afero.Fs, root string, minSize int64) *Mirror {
	return &Mirror{fs: fs, root: root, minSize: minSize}
}

// CategoryDir returns the directory holding documents of c.
func (m *Mirror) CategoryDir(c models.Category) string {
	return filepath.Join(m.root, c.FolderName())
}

// PathFor returns the local path of a document for c.
func (m *Mirror) PathFor(c models.Category, fileID string) string {
	return filepath.Join(m.CategoryDir(c), fileID+docExt)
}

// Scan returns the documents currently present for c, keyed by FileID.
// A missing directory yields an empty snapshot.
func (m *Mirror) Scan(c models.Category) (map[string]models.LocalFileRecord, error) {
	dir := m.CategoryDir(c)
	infos, err := afero.ReadDir(m.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.LocalFileRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	snapshot := make(map[string]models.LocalFileRecord, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !isDocument(name) {
			continue
		}
		path := filepath.Join(dir, name)
		record := models.LocalFileRecord{
			CategoryID: c.ID,
			FileID:     models.FileIDFromPath(name),
			Path:       path,
			Size:       info.Size(),
		}
		if record.Size >= m.minSize {
			data, err := afero.ReadFile(m.fs, path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			record.Valid = Verify(data, m.minSize) == nil
		}
		snapshot[record.FileID] = record
	}
	return snapshot, nil
}

// List returns the sorted paths of every document stored for c.
func (m *Mirror) List(c models.Category) ([]string, error) {
	dir := m.CategoryDir(c)
	infos, err := afero.ReadDir(m.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var paths []string
	for _, info := range infos {
		if info.IsDir() || !isDocument(info.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, info.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile returns the contents of a mirrored document.
func (m *Mirror) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(m.fs, path)
}

// Place stores data as the document fileID of c. The write is atomic: readers
// see either the old file or the complete new one.
func (m *Mirror) Place(c models.Category, fileID string, data []byte) (string, error) {
	path := m.PathFor(c, fileID)
	if err := WriteAtomic(m.fs, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Verify checks that data is a well-formed product document. Error stubs
// fail with ErrRestricted.
func Verify(data []byte, minSize int64) error {
	if int64(len(data)) < minSize {
		return fmt.Errorf("document too small: %d bytes", len(data))
	}
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	product := xmlquery.FindOne(doc, "//Product")
	if product == nil {
		return fmt.Errorf("document has no Product element")
	}
	if msg := strings.TrimSpace(product.SelectAttr("ErrorMessage")); msg != "" {
		return fmt.Errorf("%w: %s", ErrRestricted, msg)
	}
	if strings.TrimSpace(product.SelectAttr("ID")) == "" {
		return fmt.Errorf("%w: product has no ID", ErrRestricted)
	}
	return nil
}

// WriteAtomic writes data to a temporary file next to path and renames it
// into place.
func WriteAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func isDocument(name string) bool {
	return !strings.HasPrefix(name, ".") && filepath.Ext(name) == docExt
}
