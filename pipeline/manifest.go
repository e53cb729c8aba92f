package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aluiziolira/icecat-harvester/mirror"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ManifestFile is the name of the run manifest inside a run directory.
const ManifestFile = "run.json"

// Manifest records how a transform run was produced.
type Manifest struct {
	RunID            string                   `json:"run_id"`
	StartedAt        time.Time                `json:"started_at"`
	FinishedAt       time.Time                `json:"finished_at"`
	Subdir           string                   `json:"subdir"`
	Mode             string                   `json:"mode"`
	SampleSize       int                      `json:"sample_size,omitempty"`
	Seed             int64                    `json:"seed"`
	BatchSize        int                      `json:"batch_size"`
	PerCategoryFiles int                      `json:"per_category_files,omitempty"`
	MaxOutputRecords int                      `json:"max_output_records,omitempty"`
	Categories       []models.TransformReport `json:"categories"`
	Unresolved       []string                 `json:"unresolved,omitempty"`
	Emitted          int                      `json:"emitted"`
	Malformed        int                      `json:"malformed"`
}

// NewManifest starts a manifest for a run beginning at start.
func NewManifest(subdir string, opts Options, start time.Time) *Manifest {
	mode := "full"
	if opts.Sampling() {
		mode = "sample"
	}
	return &Manifest{
		RunID:            uuid.NewString(),
		StartedAt:        start.UTC(),
		Subdir:           subdir,
		Mode:             mode,
		SampleSize:       opts.SampleSize,
		Seed:             opts.Seed,
		BatchSize:        opts.BatchSize,
		PerCategoryFiles: opts.PerCategoryFiles,
		MaxOutputRecords: opts.MaxOutputRecords,
		Categories:       []models.TransformReport{},
	}
}

// Finish records the category reports and totals.
func (m *Manifest) Finish(reports []models.TransformReport, end time.Time) {
	m.FinishedAt = end.UTC()
	m.Categories = append(m.Categories[:0], reports...)
	m.Emitted, m.Malformed = 0, 0
	for _, r := range reports {
		m.Emitted += r.Emitted
		m.Malformed += r.Malformed
	}
}

// WriteManifest stores m as run.json in dir.
func WriteManifest(fs afero.Fs, dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return mirror.WriteAtomic(fs, filepath.Join(dir, ManifestFile), append(data, '\n'))
}

// ReadManifest loads run.json from dir.
func ReadManifest(fs afero.Fs, dir string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
