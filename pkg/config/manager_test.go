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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type testConfig struct {
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Engine struct {
		Workers    int `mapstructure:"workers"`
		MaxRetries int `mapstructure:"max_retries"`
	} `mapstructure:"engine"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
}

func TestHierarchicalPrecedence(t *testing.T) {
	t.Setenv("SAGA_SERVER_PORT", "9300")
	t.Setenv("SAGA_ENGINE_WORKERS", "16")

	dir := t.TempDir()
	writeFile(t, dir, "saga.yaml", `
server:
  port: "9000"
engine:
  workers: 2
  max_retries: 1
storage:
  driver: memory
`)
	writeFile(t, dir, "saga.prod.yaml", `
server:
  port: "9100"
engine:
  max_retries: 5
storage:
  driver: postgres
`)
	writeFile(t, dir, "saga.override.yaml", `
server:
  port: "9200"
engine:
  workers: 8
`)

	m := NewManager(Options{
		WorkDir:            dir,
		ConfigBaseName:     "saga",
		ConfigType:         "yaml",
		EnvironmentName:    "prod",
		OverrideFilename:   "saga.override.yaml",
		EnvPrefix:          "SAGA",
		EnableAutomaticEnv: true,
	})
	m.SetDefault("server.port", "8080")
	m.SetDefault("engine.workers", 1)

	require.NoError(t, m.Load())
	assert.Len(t, m.LoadedFiles(), 3)

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))

	assert.Equal(t, "9300", cfg.Server.Port)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestMissingFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "saga.yaml", `server: { port: "8000" }`)

	m := NewManager(Options{WorkDir: dir, EnvironmentName: "staging"})
	require.NoError(t, m.Load())
	assert.Equal(t, []string{filepath.Join(dir, "saga.yaml")}, m.LoadedFiles())

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))
	assert.Equal(t, "8000", cfg.Server.Port)
}

func TestMalformedFileFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "saga.yaml", "server: [unterminated")

	m := NewManager(Options{WorkDir: dir})
	err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load base config")
}

func TestSetDefaultsAndMergeConfigMap(t *testing.T) {
	m := NewManager(Options{WorkDir: t.TempDir()})
	m.SetDefaults(map[string]interface{}{
		"storage.driver": "memory",
		"engine.workers": 4,
	})
	require.NoError(t, m.MergeConfigMap(map[string]interface{}{
		"storage": map[string]interface{}{"driver": "sqlite"},
	}))
	require.NoError(t, m.Load())

	assert.Equal(t, "sqlite", m.Get("storage.driver"))
	assert.Equal(t, 4, m.Get("engine.workers"))
	assert.Contains(t, m.AllSettings(), "engine")
}

func TestUnmarshalNilTarget(t *testing.T) {
	m := NewManager(DefaultOptions())
	assert.Error(t, m.Unmarshal(nil))
}

func TestLayerString(t *testing.T) {
	assert.Equal(t, "base", BaseLayer.String())
	assert.Equal(t, "environment-variables", EnvironmentVariablesLayer.String())
	assert.Equal(t, "unknown", Layer(42).String())
}
