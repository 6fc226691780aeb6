package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/orbitando/orbital-host/internal/wasm"
)

// Artifact is a resolved module artifact ready to be loaded.
type Artifact struct {
	// Manifest is nil when the artifact is a bare Wasm file.
	Manifest *Manifest

	// Source yields the decompressed, verified module bytes.
	Source wasm.ModuleSource
}

// Name returns the artifact name.
func (a *Artifact) Name() string {
	if a.Manifest != nil {
		return a.Manifest.Name
	}
	return a.Source.Name()
}

// Loader resolves artifacts on disk.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new artifact loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger: logger.With(zap.String("component", "artifact-loader")),
	}
}

// Open resolves path. A directory must hold a manifest; a file is used as a
// bare module, decompressed by extension.
func (l *Loader) Open(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		l.logger.Debug("Using bare module file", zap.String("path", path))
		return &Artifact{Source: wasm.SourceForPath(path)}, nil
	}

	manifest, err := ParseManifest(path)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Resolved artifact",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("wasm", manifest.Wasm.File),
		zap.Bool("checksum", manifest.Wasm.SHA256 != ""),
	)

	var source wasm.ModuleSource = &wasm.FileModuleSource{Path: manifest.WasmPath()}
	if manifest.Wasm.SHA256 != "" {
		source = &checksumSource{ModuleSource: source, want: strings.ToLower(manifest.Wasm.SHA256)}
	}

	compression := wasm.CompressionForPath(manifest.Wasm.File)
	switch manifest.Wasm.Compression {
	case "none":
		compression = wasm.CompressionNone
	case "zstd":
		compression = wasm.CompressionZstd
	case "gzip":
		compression = wasm.CompressionGzip
	}
	if compression != wasm.CompressionNone {
		source = &wasm.CompressedModuleSource{Source: source, Compression: compression}
	}

	return &Artifact{Manifest: manifest, Source: source}, nil
}

// checksumSource verifies the stored bytes before they are decompressed.
type checksumSource struct {
	wasm.ModuleSource
	want string
}

func (c *checksumSource) Bytes() ([]byte, error) {
	data, err := c.ModuleSource.Bytes()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != c.want {
		return nil, &ChecksumMismatchError{WasmFile: c.Name(), Want: c.want, Got: got}
	}
	return data, nil
}
