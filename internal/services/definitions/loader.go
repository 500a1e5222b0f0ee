// Package definitions loads scan definitions from *.toml and *.yaml files.
// Each file holds one definition; unset fields keep their defaults
// (enabled, default scan parameters, name from the file stem).
package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/models"
	"gopkg.in/yaml.v3"
)

// Registrar receives loaded definitions
type Registrar interface {
	RegisterScan(def models.ScanDefinition) error
}

// LoadFile parses and validates a single definition file
func LoadFile(path string) (models.ScanDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ScanDefinition{}, fmt.Errorf("failed to read scan definition %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	def := models.ScanDefinition{
		Params:  models.DefaultScanParams(),
		Enabled: true,
	}

	switch ext {
	case ".toml":
		err = toml.Unmarshal(data, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		return models.ScanDefinition{}, fmt.Errorf("unsupported scan definition format %q", ext)
	}
	if err != nil {
		return models.ScanDefinition{}, fmt.Errorf("failed to parse scan definition %s: %w", path, err)
	}

	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(def.Symbols) > 0 {
		symbols, err := common.NormalizeSymbols(def.Symbols)
		if err != nil {
			return models.ScanDefinition{}, fmt.Errorf("scan definition %s: %w", path, err)
		}
		def.Symbols = symbols
	}

	if err := def.Validate(); err != nil {
		return models.ScanDefinition{}, fmt.Errorf("invalid scan definition %s: %w", path, err)
	}
	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return models.ScanDefinition{}, fmt.Errorf("invalid schedule in %s: %w", path, err)
		}
	}

	return def, nil
}

// LoadDir loads every definition file in dir, sorted by file name.
// A missing directory yields no definitions. Duplicate names are rejected.
func LoadDir(dir string) ([]models.ScanDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read definitions dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".toml", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	defs := make([]models.ScanDefinition, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, path := range files {
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("duplicate scan name %q in %s and %s", def.Name, other, path)
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDir loads dir and registers each definition, returning how many were registered
func RegisterDir(dir string, registrar Registrar, logger arbor.ILogger) (int, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}

	for _, def := range defs {
		if err := registrar.RegisterScan(def); err != nil {
			return 0, err
		}
	}

	logger.Info().
		Str("dir", dir).
		Int("count", len(defs)).
		Msg("Scan definitions loaded")
	return len(defs), nil
}
