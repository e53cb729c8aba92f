// Package catalog loads the category map, feature names and target list that
// both harvesting phases depend on.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/spf13/afero"
)

// Map resolves category names and IDs.
type Map struct {
	byID   map[string]models.Category
	byName map[string][]models.Category
}

// NewMap indexes categories. Later duplicates of an ID replace earlier ones.
func NewMap(categories []models.Category) *Map {
	m := &Map{
		byID:   make(map[string]models.Category, len(categories)),
		byName: make(map[string][]models.Category),
	}
	for _, c := range categories {
		c.ID = strings.TrimSpace(c.ID)
		c.Name = strings.TrimSpace(c.Name)
		if c.ID == "" || c.Name == "" {
			continue
		}
		if prev, ok := m.byID[c.ID]; ok {
			m.dropName(prev)
		}
		m.byID[c.ID] = c
		key := nameKey(c.Name)
		m.byName[key] = append(m.byName[key], c)
	}
	return m
}

func (m *Map) dropName(c models.Category) {
	key := nameKey(c.Name)
	list := m.byName[key]
	for i := range list {
		if list[i].ID == c.ID {
			m.byName[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Len returns the number of known categories.
func (m *Map) Len() int { return len(m.byID) }

// Name returns the category name for id, or "" when unknown.
func (m *Map) Name(id string) string {
	return m.byID[id].Name
}

// IsVirtual reports whether id is a known virtual category.
func (m *Map) IsVirtual(id string) bool {
	return m.byID[id].Virtual
}

// Resolve maps a target name to exactly one non-virtual category.
func (m *Map) Resolve(name string) (models.Category, error) {
	name = strings.TrimSpace(name)
	matches := m.byName[nameKey(name)]
	if len(matches) == 0 {
		return models.Category{}, models.ErrUnresolvedCategory{Name: name, Reason: "no category with this name"}
	}

	var physical []models.Category
	for _, c := range matches {
		if !c.Virtual {
			physical = append(physical, c)
		}
	}
	switch len(physical) {
	case 0:
		return models.Category{}, models.ErrUnresolvedCategory{Name: name, Reason: "only virtual categories match"}
	case 1:
		return physical[0], nil
	default:
		ids := make([]string, 0, len(physical))
		for _, c := range physical {
			ids = append(ids, c.ID)
		}
		sort.Strings(ids)
		return models.Category{}, models.ErrUnresolvedCategory{
			Name:   name,
			Reason: "ambiguous, matches ids " + strings.Join(ids, ","),
		}
	}
}

// ResolveTargets resolves every name independently, preserving target order.
// Two targets resolving to the same category are collapsed.
func (m *Map) ResolveTargets(names []string) ([]models.Category, []error) {
	var (
		resolved []models.Category
		failures []error
	)
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		c, err := m.Resolve(name)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		resolved = append(resolved, c)
	}
	return resolved, failures
}

// Categories returns all categories ordered by ID.
func (m *Map) Categories() []models.Category {
	out := make([]models.Category, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// ReadMap parses a categories CSV with an ID,Name header and optional Virtual column.
func ReadMap(r io.Reader) (*Map, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read categories header: %w", err)
	}
	cols := columnIndex(header)
	idCol, okID := cols["id"]
	nameCol, okName := cols["name"]
	if !okID || !okName {
		return nil, fmt.Errorf("categories header must contain ID and Name, got %v", header)
	}
	virtualCol, hasVirtual := cols["virtual"]

	var categories []models.Category
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read categories: %w", err)
		}
		if idCol >= len(record) || nameCol >= len(record) {
			continue
		}
		c := models.Category{ID: record[idCol], Name: record[nameCol]}
		if hasVirtual && virtualCol < len(record) {
			c.Virtual = parseFlag(record[virtualCol])
		}
		categories = append(categories, c)
	}
	return NewMap(categories), nil
}

// LoadMap reads the categories CSV at path.
func LoadMap(fs afero.Fs, path string) (*Map, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open category map: %w", err)
	}
	defer f.Close()
	return ReadMap(f)
}

// WriteMap writes categories as CSV with ID,Name,Virtual columns.
func WriteMap(w io.Writer, categories []models.Category) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"ID", "Name", "Virtual"}); err != nil {
		return fmt.Errorf("write categories header: %w", err)
	}
	for _, c := range categories {
		virtual := "0"
		if c.Virtual {
			virtual = "1"
		}
		if err := writer.Write([]string{c.ID, c.Name, virtual}); err != nil {
			return fmt.Errorf("write category %s: %w", c.ID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "y", "yes", "true":
		return true
	default:
		return false
	}
}
