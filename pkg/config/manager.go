// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config provides layered configuration loading for the saga orchestrator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Layer represents a configuration layer in the hierarchy.
//
// Precedence (low → high): Defaults < Base < EnvironmentFile < OverrideFile < EnvironmentVariables
type Layer int

const (
	// DefaultsLayer holds values registered through SetDefault.
	DefaultsLayer Layer = iota
	// BaseLayer is the committed base file, e.g. saga.yaml.
	BaseLayer
	// EnvironmentFileLayer is the per-environment file, e.g. saga.prod.yaml.
	EnvironmentFileLayer
	// OverrideFileLayer is an operator-local override, e.g. saga.override.yaml.
	OverrideFileLayer
	// EnvironmentVariablesLayer holds SAGA_* variables.
	EnvironmentVariablesLayer
)

// String returns the layer name used in logs.
func (l Layer) String() string {
	switch l {
	case DefaultsLayer:
		return "defaults"
	case BaseLayer:
		return "base"
	case EnvironmentFileLayer:
		return "environment-file"
	case OverrideFileLayer:
		return "override-file"
	case EnvironmentVariablesLayer:
		return "environment-variables"
	default:
		return "unknown"
	}
}

// Options configures the Manager.
type Options struct {
	// WorkDir resolves relative config file paths.
	WorkDir string

	// ConfigBaseName is the file name without extension (default: "saga").
	ConfigBaseName string

	// ConfigType is yaml|yml|json|toml. Default: "yaml".
	ConfigType string

	// EnvironmentName selects the environment file suffix, e.g. "dev" → saga.dev.yaml.
	EnvironmentName string

	// OverrideFilename is the optional override file. Default: "saga.override.yaml".
	OverrideFilename string

	// EnvPrefix is the environment variable prefix (default: "SAGA").
	EnvPrefix string

	// EnableAutomaticEnv binds env vars with dot→underscore mapping.
	EnableAutomaticEnv bool
}

// DefaultOptions returns the options used by the saga-orchestrator binary.
// SAGA_ENV selects the environment file when set.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "saga",
		ConfigType:         "yaml",
		EnvironmentName:    os.Getenv("SAGA_ENV"),
		OverrideFilename:   "saga.override.yaml",
		EnvPrefix:          "SAGA",
		EnableAutomaticEnv: true,
	}
}

// Manager merges configuration layers into a single viper instance.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	options Options
	loaded  []string
}

// NewManager creates a Manager with the given options.
func NewManager(options Options) *Manager {
	if options.ConfigType == "" {
		options.ConfigType = "yaml"
	}
	if options.ConfigBaseName == "" {
		options.ConfigBaseName = "saga"
	}
	if options.WorkDir == "" {
		options.WorkDir = "."
	}

	v := viper.New()
	if options.EnableAutomaticEnv {
		if options.EnvPrefix != "" {
			v.SetEnvPrefix(options.EnvPrefix)
		}
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	return &Manager{v: v, options: options}
}

// SetDefault sets a default value for the given key.
func (m *Manager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.SetDefault(key, value)
}

// SetDefaults registers every key of a flattened "a.b.c" → value map as a default.
func (m *Manager) SetDefaults(defaults map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range defaults {
		m.v.SetDefault(k, v)
	}
}

// Load merges the file layers in precedence order. Missing files are skipped;
// environment variables are resolved on access.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loaded = m.loaded[:0]
	layers := []Layer{BaseLayer, EnvironmentFileLayer, OverrideFileLayer}
	for _, layer := range layers {
		if layer == EnvironmentFileLayer && m.options.EnvironmentName == "" {
			continue
		}
		path := m.filePathFor(layer)
		ok, err := m.mergeFileIfExists(path)
		if err != nil {
			return fmt.Errorf("load %s config: %w", layer, err)
		}
		if ok {
			m.loaded = append(m.loaded, path)
		}
	}
	return nil
}

// LoadedFiles returns the files merged by the last Load, lowest precedence first.
func (m *Manager) LoadedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.loaded))
	copy(out, m.loaded)
	return out
}

// Unmarshal binds all merged settings into the given struct pointer.
func (m *Manager) Unmarshal(target interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if target == nil {
		return errors.New("target must not be nil")
	}
	return m.v.Unmarshal(target)
}

// Get returns a value by key from merged configuration.
func (m *Manager) Get(key string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// AllSettings returns a copy of all merged settings as a map.
func (m *Manager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}

// MergeConfigMap merges settings above the defaults but below any file loaded afterwards.
func (m *Manager) MergeConfigMap(settings map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v.MergeConfigMap(settings)
}

func (m *Manager) filePathFor(layer Layer) string {
	dir := m.options.WorkDir
	base := m.options.ConfigBaseName
	ext := m.normalizedConfigExt()
	switch layer {
	case BaseLayer:
		return filepath.Join(dir, base+"."+ext)
	case EnvironmentFileLayer:
		return filepath.Join(dir, fmt.Sprintf("%s.%s.%s", base, strings.ToLower(m.options.EnvironmentName), ext))
	case OverrideFileLayer:
		name := m.options.OverrideFilename
		if name == "" {
			name = fmt.Sprintf("%s.override.%s", base, ext)
		}
		return filepath.Join(dir, name)
	default:
		return ""
	}
}

func (m *Manager) normalizedConfigExt() string {
	t := strings.ToLower(m.options.ConfigType)
	switch t {
	case "yml":
		return "yaml"
	case "yaml", "json", "toml":
		return t
	default:
		return "yaml"
	}
}

// mergeFileIfExists parses path into a scratch viper first so a malformed file
// leaves the merged settings untouched.
func (m *Manager) mergeFileIfExists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	tmp := viper.New()
	tmp.SetConfigType(m.normalizedConfigExt())
	if err := tmp.ReadConfig(bytes.NewReader(content)); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, m.v.MergeConfigMap(tmp.AllSettings())
}
