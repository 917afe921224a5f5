// Package batch persists the dispatch manifest: which scheduler batch
// currently owns the run. The scheduler assigns a fresh batch id on
// every (re)submission, and without a durable record the id of a
// resubmitted batch would only exist in the operator's scrollback.
package batch

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifest describes the most recently dispatched batch.
type Manifest struct {
	BatchID       string    `json:"batchId"`
	NumPartitions int       `json:"numPartitions"`
	InputFile     string    `json:"inputFile"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// DefaultPath returns the manifest location under the data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "batch.json")
}

// Save writes the manifest, replacing any previous one.
func Save(path string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrap(err, "write manifest")
	}
	return nil
}

// Load reads the manifest written by the last dispatch.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "unmarshal manifest")
	}
	return m, nil
}
