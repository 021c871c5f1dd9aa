package storage

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// PreferenceFile persists user preferences as YAML. A missing file yields
// the defaults; fields absent from the file keep their default values.
type PreferenceFile struct {
	path     string
	defaults models.Preferences

	mu sync.Mutex
}

// NewPreferenceFile binds a preference store to path
func NewPreferenceFile(path string, defaults models.Preferences) *PreferenceFile {
	return &PreferenceFile{path: path, defaults: defaults}
}

// Path returns the backing file
func (f *PreferenceFile) Path() string { return f.path }

// Load reads the preferences
func (f *PreferenceFile) Load() (models.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs := f.defaults
	data, err := os.ReadFile(f.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return prefs, nil
	}
	if err != nil {
		return prefs, fmt.Errorf("failed to read preferences %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return prefs, nil
	}

	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return f.defaults, fmt.Errorf("failed to parse preferences %s: %w", f.path, err)
	}
	if err := prefs.Router.Validate(); err != nil {
		return f.defaults, fmt.Errorf("invalid preferences %s: %w", f.path, err)
	}
	return prefs, nil
}

// Save validates and writes the preferences, replacing the file atomically
func (f *PreferenceFile) Save(prefs models.Preferences) error {
	if err := prefs.Router.Validate(); err != nil {
		return fmt.Errorf("invalid preferences: %w", err)
	}
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".preferences-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}
