// Package artifact reads module artifacts: a directory holding a
// manifest.yaml and the Wasm file it names, optionally compressed.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orbitando/orbital-host/internal/bridge"
)

// ManifestFile is the manifest file name inside an artifact directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the artifact manifest.yaml structure.
type Manifest struct {
	Name        string      `yaml:"name" validate:"required"`
	Version     string      `yaml:"version" validate:"required"`
	Wasm        WasmConfig  `yaml:"wasm"`
	EntryPoints EntryPoints `yaml:"entry_points"`
	Author      string      `yaml:"author"`
	License     string      `yaml:"license"`

	// Directory containing manifest
	dir string
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File   string `yaml:"file" validate:"required"`
	SHA256 string `yaml:"sha256" validate:"omitempty,len=64,hexadecimal"`
	// Compression overrides the one inferred from the file extension.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none zstd gzip"`
}

// EntryPoints names the module's entry points. Empty names keep the
// host's configured ones.
type EntryPoints struct {
	ApplyInputs   string `yaml:"apply_inputs"`
	Start         string `yaml:"start"`
	Stop          string `yaml:"stop"`
	SetCanvasSize string `yaml:"set_canvas_size"`
}

// Merge overlays the manifest's names on base.
func (e EntryPoints) Merge(base bridge.EntryPoints) bridge.EntryPoints {
	if e.ApplyInputs != "" {
		base.ApplyInputs = e.ApplyInputs
	}
	if e.Start != "" {
		base.Start = e.Start
	}
	if e.Stop != "" {
		base.Stop = e.Stop
	}
	if e.SetCanvasSize != "" {
		base.SetCanvasSize = e.SetCanvasSize
	}
	return base
}

var validate = validator.New()

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the Wasm file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed '%s' check", fe.Tag()),
			}
		}
		return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
