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

package cmd

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
)

func init() {
	logger.Logger, _ = zap.NewDevelopment()
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	stdout := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestNewRootServeCmdCommand(t *testing.T) {
	t.Run("root command properties", func(t *testing.T) {
		cmd := NewRootServeCmdCommand()
		assert.Equal(t, "saga-orchestrator", cmd.Use)
		assert.Equal(t, "Saga orchestration and compensation service", cmd.Short)
		assert.False(t, cmd.HasParent())
		assert.NotNil(t, cmd.PersistentFlags().Lookup("config-dir"))
		assert.NotNil(t, cmd.PersistentFlags().Lookup("env"))
	})

	t.Run("subcommands", func(t *testing.T) {
		cmd := NewRootServeCmdCommand()
		names := map[string]*cobra.Command{}
		for _, sub := range cmd.Commands() {
			names[sub.Name()] = sub
		}
		for _, want := range []string{"serve", "migrate", "version"} {
			sub, ok := names[want]
			require.True(t, ok, want)
			assert.Equal(t, cmd, sub.Parent())
		}
	})

	t.Run("version", func(t *testing.T) {
		out, err := execute(NewRootServeCmdCommand(), "version")
		require.NoError(t, err)
		assert.Contains(t, out, "saga-orchestrator version dev")
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := execute(NewRootServeCmdCommand(), "explode")
		assert.Error(t, err)
	})
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "saga.db")
	content := "storage:\n  driver: sqlite\n  sql:\n    dsn: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saga.yaml"), []byte(content), 0o600))

	for i := 0; i < 2; i++ {
		out, err := execute(NewRootServeCmdCommand(), "migrate", "--config-dir", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "schema up to date (sqlite)")
	}

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{"saga_instances", "saga_checkpoints", "saga_dead_letters"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrateCommand_RequiresSQLDriver(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(NewRootServeCmdCommand(), "migrate", "--config-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `storage driver "memory" has no schema to migrate`)
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saga.yaml"), []byte("logging:\n  level: shout\n"), 0o600))

	_, err := execute(NewRootServeCmdCommand(), "serve", "--config-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
