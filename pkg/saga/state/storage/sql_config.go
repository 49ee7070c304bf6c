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

package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	// DialectPostgres uses github.com/lib/pq and $n placeholders.
	DialectPostgres Dialect = "postgres"
	// DialectSQLite uses modernc.org/sqlite and ? placeholders.
	DialectSQLite Dialect = "sqlite"
)

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	default:
		return ""
	}
}

// SQLConfig holds the configuration for the SQL store.
type SQLConfig struct {
	// Dialect is postgres or sqlite.
	Dialect Dialect `mapstructure:"dialect" json:"dialect"`

	// DSN is the connection string. For sqlite a plain file path is accepted
	// and the WAL/busy-timeout pragmas are appended.
	DSN string `mapstructure:"dsn" json:"dsn"`

	// TablePrefix is prepended to every table name.
	TablePrefix string `mapstructure:"table_prefix" json:"tablePrefix"`

	MaxOpenConns      int           `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime" json:"connMaxLifetime"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" json:"connectionTimeout"`

	// AutoMigrate creates the schema when the store opens.
	AutoMigrate bool `mapstructure:"auto_migrate" json:"autoMigrate"`
}

// DefaultSQLConfig returns a sqlite configuration writing saga.db in the working directory.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		Dialect:           DialectSQLite,
		DSN:               "saga.db",
		TablePrefix:       "",
		MaxOpenConns:      10,
		MaxIdleConns:      5,
		ConnMaxLifetime:   30 * time.Minute,
		ConnectionTimeout: 10 * time.Second,
		AutoMigrate:       true,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *SQLConfig) ApplyDefaults() {
	d := DefaultSQLConfig()
	if c.Dialect == "" {
		c.Dialect = d.Dialect
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY
	if c.Dialect == DialectSQLite {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
	}
}

// Validate validates the SQL configuration.
func (c *SQLConfig) Validate() error {
	if c.Dialect.driverName() == "" {
		return fmt.Errorf("unsupported sql dialect %q", c.Dialect)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("sql dsn is required")
	}
	for _, r := range c.TablePrefix {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("table prefix %q may only contain letters, digits and underscores", c.TablePrefix)
		}
	}
	return nil
}

// dataSource returns the DSN passed to sql.Open.
func (c *SQLConfig) dataSource() string {
	if c.Dialect != DialectSQLite || strings.HasPrefix(c.DSN, "file:") {
		return c.DSN
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + c.DSN + "?" + q.Encode()
}
