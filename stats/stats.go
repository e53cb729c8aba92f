// Package stats collects progress counts for the final summary and for
// Prometheus.
package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Tally keeps counts per category and kind in memory. Safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]map[models.StatKind]int
	order  []string
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]map[models.StatKind]int)}
}

// Add implements models.Reporter.
func (t *Tally) Add(category string, kind models.StatKind, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byKind, ok := t.counts[category]
	if !ok {
		byKind = make(map[models.StatKind]int)
		t.counts[category] = byKind
		t.order = append(t.order, category)
	}
	byKind[kind] += n
}

// Get returns the count of kind for category.
func (t *Tally) Get(category string, kind models.StatKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[category][kind]
}

// Total returns the count of kind across all categories.
func (t *Tally) Total(kind models.StatKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, byKind := range t.counts {
		total += byKind[kind]
	}
	return total
}

// Categories returns categories in the order they were first reported.
func (t *Tally) Categories() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Snapshot copies the counts of one category.
func (t *Tally) Snapshot(category string) map[models.StatKind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.StatKind]int, len(t.counts[category]))
	for k, v := range t.counts[category] {
		out[k] = v
	}
	return out
}

// PromReporter exports counts as harvest_records_total{category,kind}.
type PromReporter struct {
	records *prometheus.CounterVec
}

// NewPromReporter registers the counter on reg.
func NewPromReporter(reg prometheus.Registerer) *PromReporter {
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Documents and records processed, by category and outcome.",
		},
		[]string{"category", "kind"},
	)
	reg.MustRegister(records)
	return &PromReporter{records: records}
}

// Add implements models.Reporter.
func (p *PromReporter) Add(category string, kind models.StatKind, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.records.WithLabelValues(category, string(kind)).Add(float64(n))
}

// Multi fans counts out to several reporters.
type Multi []models.Reporter

// Add implements models.Reporter.
func (m Multi) Add(category string, kind models.StatKind, n int) {
	for _, r := range m {
		if r != nil {
			r.Add(category, kind, n)
		}
	}
}

// CategoryCount is the number of manifest entries of one category.
type CategoryCount struct {
	ID    string
	Name  string
	Count int
}

// RankCounts orders counts by descending volume, then by ID.
func RankCounts(counts map[string]int, name func(id string) string) []CategoryCount {
	out := make([]CategoryCount, 0, len(counts))
	for id, n := range counts {
		c := CategoryCount{ID: id, Count: n}
		if name != nil {
			c.Name = name(id)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// WriteCounts writes ranked counts as an ID,Count,Name CSV.
func WriteCounts(w io.Writer, counts []CategoryCount) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"ID", "Count", "Name"}); err != nil {
		return fmt.Errorf("write counts header: %w", err)
	}
	for _, c := range counts {
		if err := writer.Write([]string{c.ID, strconv.Itoa(c.Count), c.Name}); err != nil {
			return fmt.Errorf("write count %s: %w", c.ID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
