// Package manifest defines the per-version ingestion record. The manifest
// is the authority on a version's status: a version directory without a
// manifest whose status is committed does not exist as far as readers are
// concerned.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// FileName is the manifest's name within a version directory.
const FileName = "manifest.yaml"

// AssetOutcome records one asset's normalization and write results.
type AssetOutcome struct {
	AssetID int64  `yaml:"asset_id"`
	Symbol  string `yaml:"symbol"`
	Bars    int    `yaml:"bars"`
	Filled  int    `yaml:"filled"`
	Missing int    `yaml:"missing"`
	Error   string `yaml:"error,omitempty"`
}

// LatencySummary holds fetch-latency percentiles in milliseconds.
type LatencySummary struct {
	Count int64   `yaml:"count"`
	P50   float64 `yaml:"p50_ms"`
	P90   float64 `yaml:"p90_ms"`
	P99   float64 `yaml:"p99_ms"`
}

// Manifest is the YAML bookkeeping record of one ingestion run.
type Manifest struct {
	RunID   string `yaml:"run_id"`
	Bundle  string `yaml:"bundle"`
	Version string `yaml:"version"`
	Source  string `yaml:"source"`
	Status  string `yaml:"status"`

	Calendar     string `yaml:"calendar"`
	StartSession string `yaml:"start_session"`
	EndSession   string `yaml:"end_session"`

	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at,omitempty"`

	BarsWritten        int64 `yaml:"bars_written"`
	AdjustmentsWritten int64 `yaml:"adjustments_written"`

	Assets       []AssetOutcome  `yaml:"assets,omitempty"`
	Warnings     []string        `yaml:"warnings,omitempty"`
	FetchLatency *LatencySummary `yaml:"fetch_latency,omitempty"`

	Error string `yaml:"error,omitempty"`
}

// SetState records a pipeline state transition on the manifest.
func (m *Manifest) SetState(s types.IngestState) {
	m.Status = s.String()
}

// State parses the manifest's status back into a pipeline state.
func (m *Manifest) State() (types.IngestState, error) {
	return types.ParseIngestState(m.Status)
}

// Committed reports whether this version is visible to readers.
func (m *Manifest) Committed() bool {
	return m.Status == types.StateCommitted.String()
}

// Save writes the manifest atomically into a version directory: a partial
// manifest must never be mistaken for a committed one.
func (m *Manifest) Save(dir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Load reads a version directory's manifest.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
