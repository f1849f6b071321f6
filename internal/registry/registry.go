// Package registry loads and serves model package definitions. A model
// package is a directory under the models dir containing a config.json
// manifest plus the analysis/training (and optionally cleaning) scripts it
// names. Malformed packages are skipped with a warning rather than failing
// the whole registry.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrUnknownModel is returned when a model id is not in the registry.
var ErrUnknownModel = errors.New("unknown model")

// Parameter declares one user-tunable stage parameter in a model manifest.
type Parameter struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Default    any      `json:"default,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Options    []any    `json:"options,omitempty"`
	AllowEmpty bool     `json:"allow_empty,omitempty"`
}

// Parameter type constants.
const (
	ParamNumber       = "number"
	ParamSelect       = "select"
	ParamBoolean      = "boolean_checkbox"
	ParamTargetColumn = "target_column"
	ParamText         = "text"
)

// Definition is one loaded model package.
type Definition struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	DataType       string      `json:"data_type"`
	AnalysisScript string      `json:"analysis_script"`
	TrainingScript string      `json:"training_script"`
	CleaningScript string      `json:"cleaning_script,omitempty"`
	Parameters     []Parameter `json:"parameters"`

	// Dir is the absolute package directory, set during loading.
	Dir string `json:"-"`
}

// AnalysisScriptPath returns the absolute path of the analysis script.
func (d *Definition) AnalysisScriptPath() string {
	return filepath.Join(d.Dir, d.AnalysisScript)
}

// TrainingScriptPath returns the absolute path of the training script.
func (d *Definition) TrainingScriptPath() string {
	return filepath.Join(d.Dir, d.TrainingScript)
}

// CleaningScriptPath returns the absolute path of the cleaning script, or ""
// when the package has no cleaning script configured (manifest omits it or
// the named file does not exist). That case short-circuits the cleaning stage.
func (d *Definition) CleaningScriptPath() string {
	if d.CleaningScript == "" {
		return ""
	}
	p := filepath.Join(d.Dir, d.CleaningScript)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Registry holds the loaded model package definitions. It is safe for
// concurrent use; Load and the fsnotify watcher replace the definition set
// atomically.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
}

// New creates a registry over the given models directory. Call Load before
// first use.
func New(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*Definition),
	}
}

// Load scans the models directory and replaces the definition set. Individual
// invalid packages are logged and skipped; only a missing models directory is
// an error.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read models dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		def, err := r.loadPackage(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Warn("skipping model package", "dir", entry.Name(), "error", err)
			continue
		}
		defs[def.ID] = def
		r.logger.Info("loaded model package", "model_id", def.ID, "name", def.Name)
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// loadPackage reads and validates one package directory.
func (r *Registry) loadPackage(dir string) (*Definition, error) {
	manifestPath := filepath.Join(dir, "config.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}

	if err := validateManifest(raw); err != nil {
		return nil, fmt.Errorf("invalid config.json: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}

	// The manifest id must match the directory name by convention.
	if def.ID != filepath.Base(dir) {
		return nil, fmt.Errorf("manifest id %q does not match directory name %q", def.ID, filepath.Base(dir))
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve package dir: %w", err)
	}
	def.Dir = absDir

	// Analysis and training scripts are mandatory on disk; the cleaning
	// script is optional and its absence means the stage is skipped.
	for _, script := range []string{def.AnalysisScript, def.TrainingScript} {
		if _, err := os.Stat(filepath.Join(absDir, script)); err != nil {
			return nil, fmt.Errorf("missing required script %q: %w", script, err)
		}
	}

	return &def, nil
}

// Get returns the definition for a model id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", id, ErrUnknownModel)
	}
	return def, nil
}

// List returns all loaded definitions sorted by id for a stable API response.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}
