package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// ManifestVersion is the current manifest schema version.
	ManifestVersion = 1

	// ManifestFilename is the manifest filename inside the base dir.
	ManifestFilename = "manifest.json"
)

// Manifest records which generation of each logical index is live.
// A committed rebuild bumps the generations and rewrites the manifest
// atomically; a reader process picks the change up on its next reload.
type Manifest struct {
	Version     int            `json:"version"`
	CommittedAt time.Time      `json:"committed_at"`
	Generations map[string]int `json:"generations"`
}

// NewIndexManifest creates an empty manifest with every logical index
// at generation zero.
func NewIndexManifest() *Manifest {
	return &Manifest{
		Version:     ManifestVersion,
		Generations: make(map[string]int),
	}
}

// LoadManifest reads the manifest from disk, or returns a fresh one if
// none exists yet.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewIndexManifest(), nil
		}
		return nil, fmt.Errorf("failed to read index manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse index manifest: %w", err)
	}
	if manifest.Generations == nil {
		manifest.Generations = make(map[string]int)
	}
	return &manifest, nil
}

// Save writes the manifest to disk atomically via write-to-temp +
// rename, so a concurrent reader never sees a torn file.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest file: %w", err)
	}
	return nil
}

// Generation returns the live generation for a logical index.
func (m *Manifest) Generation(logical string) int {
	return m.Generations[logical]
}

// Bump advances a logical index to the given generation.
func (m *Manifest) Bump(logical string, generation int) {
	m.Generations[logical] = generation
	m.CommittedAt = time.Now()
}
