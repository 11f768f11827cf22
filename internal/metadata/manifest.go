package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileName is the manifest stored next to the parquet files of a snapshot.
const FileName = "manifest.json"

// DataFile describes a single parquet file of a snapshot.
type DataFile struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	FileSize    int64  `json:"file_size_in_bytes"`
	RecordCount int64  `json:"record_count"`
}

// Manifest records what a snapshot directory holds.
type Manifest struct {
	FormatVersion int        `json:"format-version"`
	SnapshotID    string     `json:"snapshot-id"`
	Symbol        string     `json:"symbol"`
	TimestampMs   int64      `json:"timestamp-ms"`
	Files         []DataFile `json:"files"`
}

// NewManifest starts a manifest for symbol taken at ts.
func NewManifest(symbol string, ts time.Time) *Manifest {
	return &Manifest{
		FormatVersion: 1,
		SnapshotID:    uuid.NewString(),
		Symbol:        symbol,
		TimestampMs:   ts.UnixMilli(),
	}
}

// AddFile records a parquet file in dir. Missing files are skipped since
// empty tables are never written.
func (m *Manifest) AddFile(dir, name, kind string, records int) error {
	info, err := os.Stat(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	m.Files = append(m.Files, DataFile{
		Name:        name,
		Kind:        kind,
		FileSize:    info.Size(),
		RecordCount: int64(records),
	})
	return nil
}

// Records returns the record count stored for kind.
func (m *Manifest) Records(kind string) int64 {
	for _, f := range m.Files {
		if f.Kind == kind {
			return f.RecordCount
		}
	}
	return 0
}

// Write stores the manifest in dir.
func (m *Manifest) Write(dir string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), b, 0o644)
}

// Read loads the manifest of dir. ok is false for directories written
// without one.
func Read(dir string) (m *Manifest, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m = &Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, false, fmt.Errorf("invalid manifest in %s: %w", dir, err)
	}
	return m, true, nil
}
