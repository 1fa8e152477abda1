package app

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Manifest describes an installed app. External apps carry one as a
// TOML file next to their payload.
type Manifest struct {
	Name      string `toml:"name"`
	Version   string `toml:"version"`
	Author    string `toml:"author"`
	StackSize int    `toml:"stack_size"`
	Priority  int    `toml:"priority"`
	Icon      string `toml:"icon"`
}

// Validate checks the manifest for required fields.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: empty name: %w", kerr.ErrInvalidParam)
	}
	if m.StackSize < 0 {
		return fmt.Errorf("manifest %q: stack_size %d: %w", m.Name, m.StackSize, kerr.ErrInvalidParam)
	}
	if m.Priority < 0 {
		return fmt.Errorf("manifest %q: priority %d: %w", m.Name, m.Priority, kerr.ErrInvalidParam)
	}
	return nil
}

// LoadManifest reads and validates one manifest file.
func LoadManifest(fs hal.FileSystem, name string) (Manifest, error) {
	f, err := fs.Open(name)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest %q: %w", name, err)
	}

	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest %q: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ScanManifests loads every .toml manifest in dir. Unreadable or
// invalid manifests are skipped, not fatal; a bad third-party app must
// not block the rest of the catalog.
func ScanManifests(fs hal.FileSystem, dir string) ([]Manifest, error) {
	names, err := fs.List(dir)
	if err != nil {
		return nil, err
	}

	var manifests []Manifest
	for _, name := range names {
		if !strings.HasSuffix(name, ".toml") {
			continue
		}
		m, err := LoadManifest(fs, path.Join(dir, name))
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
