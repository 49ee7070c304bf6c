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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// SQLStore is a saga.Store backed by PostgreSQL or SQLite. Both dialects share
// one schema; timestamps are stored as Unix nanoseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	// mu guards closed
	mu     sync.RWMutex
	closed bool

	instancesTable   string
	checkpointsTable string
	deadLettersTable string
}

var _ saga.Store = (*SQLStore)(nil)

// NewSQLStore opens the database described by config, pings it, and runs the
// schema migration when AutoMigrate is set.
func NewSQLStore(config *SQLConfig) (*SQLStore, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sql config: %w", err)
	}

	db, err := sql.Open(config.Dialect.driverName(), config.dataSource())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", config.Dialect, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", config.Dialect, err)
	}

	store := NewSQLStoreWithDB(db, config.Dialect, config.TablePrefix)
	if config.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run schema migrations: %w", err)
		}
	}
	return store, nil
}

// NewSQLStoreWithDB wraps an already opened database.
func NewSQLStoreWithDB(db *sql.DB, dialect Dialect, tablePrefix string) *SQLStore {
	return &SQLStore{
		db:               db,
		dialect:          dialect,
		instancesTable:   tablePrefix + "saga_instances",
		checkpointsTable: tablePrefix + "saga_checkpoints",
		deadLettersTable: tablePrefix + "saga_dead_letters",
	}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + s.instancesTable + ` (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_index INTEGER NOT NULL,
			total_steps INTEGER NOT NULL,
			params TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.instancesTable + `_status ON ` + s.instancesTable + ` (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.instancesTable + `_created ON ` + s.instancesTable + ` (created_at, id)`,
		`CREATE TABLE IF NOT EXISTS ` + s.checkpointsTable + ` (
			saga_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			compensation_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			completed_at BIGINT,
			compensated_at BIGINT,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (saga_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.deadLettersTable + ` (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			saga_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			error_message TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.deadLettersTable + `_saga ON ` + s.deadLettersTable + ` (saga_id)`,
	}
}

// Close closes the database connection pool.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's style.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, saga.NewStorageError(op, err)
	}
	return res, nil
}

// CreateInstance inserts a new instance row.
func (s *SQLStore) CreateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	params, _ := instance.Params.MarshalJSON()
	_, err := s.exec(ctx, "create saga instance",
		`INSERT INTO `+s.instancesTable+` (id, name, status, current_step_index, total_steps, params, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.Name, string(instance.Status), instance.CurrentStepIndex, instance.TotalSteps,
		string(params), instance.LastError, instance.CreatedAt.UnixNano(), instance.UpdatedAt.UnixNano(),
	)
	return err
}

// UpdateInstance updates the mutable columns of an instance.
func (s *SQLStore) UpdateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	res, err := s.exec(ctx, "update saga instance",
		`UPDATE `+s.instancesTable+`
		 SET status = ?, current_step_index = ?, total_steps = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(instance.Status), instance.CurrentStepIndex, instance.TotalSteps, instance.LastError,
		instance.UpdatedAt.UnixNano(), instance.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return saga.NewSagaNotFoundError(instance.ID)
	}
	return nil
}

const instanceColumns = `id, name, status, current_step_index, total_steps, params, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*saga.SagaInstance, error) {
	var (
		instance           saga.SagaInstance
		status, params     string
		createdAt, updated int64
	)
	if err := row.Scan(&instance.ID, &instance.Name, &status, &instance.CurrentStepIndex, &instance.TotalSteps,
		&params, &instance.LastError, &createdAt, &updated); err != nil {
		return nil, err
	}
	instance.Status = saga.SagaStatus(status)
	instance.Params = saga.Params(params)
	instance.CreatedAt = fromNanos(createdAt)
	instance.UpdatedAt = fromNanos(updated)
	return &instance, nil
}

// GetInstance loads one instance.
func (s *SQLStore) GetInstance(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+instanceColumns+` FROM `+s.instancesTable+` WHERE id = ?`), sagaID)
	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	if err != nil {
		return nil, saga.NewStorageError("get saga instance", err)
	}
	return instance, nil
}

// ListInstances returns instances ordered by creation time.
func (s *SQLStore) ListInstances(ctx context.Context, filter saga.SagaFilter) ([]*saga.SagaInstance, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT ` + instanceColumns + ` FROM ` + s.instancesTable
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, saga.NewStorageError("list saga instances", err)
	}
	defer rows.Close()

	out := make([]*saga.SagaInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, saga.NewStorageError("scan saga instance", err)
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("list saga instances", err)
	}
	return out, nil
}

// CountByStatus counts instances per status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+s.instancesTable+` GROUP BY status`)
	if err != nil {
		return nil, saga.NewStorageError("count saga instances", err)
	}
	defer rows.Close()

	counts := make(map[saga.SagaStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, saga.NewStorageError("scan status count", err)
		}
		counts[saga.SagaStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("count saga instances", err)
	}
	return counts, nil
}

// WriteCheckpoint upserts the (saga_id, step_index) row.
func (s *SQLStore) WriteCheckpoint(ctx context.Context, cp *saga.StepCheckpoint) error {
	if cp == nil || cp.SagaID == "" {
		return ErrInvalidID
	}
	_, err := s.exec(ctx, "write checkpoint",
		`INSERT INTO `+s.checkpointsTable+` (saga_id, step_index, step_name, outcome, attempts, compensation_attempts, last_error, completed_at, compensated_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (saga_id, step_index) DO UPDATE SET
			step_name = excluded.step_name,
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			compensation_attempts = excluded.compensation_attempts,
			last_error = excluded.last_error,
			completed_at = excluded.completed_at,
			compensated_at = excluded.compensated_at,
			updated_at = excluded.updated_at`,
		cp.SagaID, cp.StepIndex, cp.StepName, string(cp.Outcome), cp.Attempts, cp.CompensationAttempts,
		cp.LastError, toNullNanos(cp.CompletedAt), toNullNanos(cp.CompensatedAt), cp.UpdatedAt.UnixNano(),
	)
	return err
}

// ReadCheckpoints returns a saga's checkpoints ordered by step index.
func (s *SQLStore) ReadCheckpoints(ctx context.Context, sagaID string) ([]*saga.StepCheckpoint, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT saga_id, step_index, step_name, outcome, attempts, compensation_attempts, last_error, completed_at, compensated_at, updated_at
		 FROM `+s.checkpointsTable+` WHERE saga_id = ? ORDER BY step_index`), sagaID)
	if err != nil {
		return nil, saga.NewStorageError("read checkpoints", err)
	}
	defer rows.Close()

	out := make([]*saga.StepCheckpoint, 0)
	for rows.Next() {
		var (
			cp                     saga.StepCheckpoint
			outcome                string
			completed, compensated sql.NullInt64
			updated                int64
		)
		if err := rows.Scan(&cp.SagaID, &cp.StepIndex, &cp.StepName, &outcome, &cp.Attempts,
			&cp.CompensationAttempts, &cp.LastError, &completed, &compensated, &updated); err != nil {
			return nil, saga.NewStorageError("scan checkpoint", err)
		}
		cp.Outcome = saga.CheckpointOutcome(outcome)
		cp.CompletedAt = fromNullNanos(completed)
		cp.CompensatedAt = fromNullNanos(compensated)
		cp.UpdatedAt = fromNanos(updated)
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("read checkpoints", err)
	}
	return out, nil
}

const deadLetterColumns = `id, saga_id, saga_name, step_index, step_name, kind, error_message, retry_count, created_at, updated_at`

func scanDeadLetter(row rowScanner) (*saga.DeadLetterEntry, error) {
	var (
		entry            saga.DeadLetterEntry
		kind             string
		created, updated int64
	)
	if err := row.Scan(&entry.ID, &entry.SagaID, &entry.SagaName, &entry.StepIndex, &entry.StepName,
		&kind, &entry.ErrorMessage, &entry.RetryCount, &created, &updated); err != nil {
		return nil, err
	}
	entry.Kind = saga.DeadLetterKind(kind)
	entry.CreatedAt = fromNanos(created)
	entry.UpdatedAt = fromNanos(updated)
	return &entry, nil
}

// PushDeadLetter inserts a new entry.
func (s *SQLStore) PushDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	_, err := s.exec(ctx, "push dead letter",
		`INSERT INTO `+s.deadLettersTable+` (`+deadLetterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SagaID, entry.SagaName, entry.StepIndex, entry.StepName, string(entry.Kind),
		entry.ErrorMessage, entry.RetryCount, entry.CreatedAt.UnixNano(), entry.UpdatedAt.UnixNano(),
	)
	return err
}

// GetDeadLetter loads one entry.
func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (*saga.DeadLetterEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+deadLetterColumns+` FROM `+s.deadLettersTable+` WHERE id = ?`), id)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NewDeadLetterNotFoundError(id)
	}
	if err != nil {
		return nil, saga.NewStorageError("get dead letter", err)
	}
	return entry, nil
}

// UpdateDeadLetter updates the retry bookkeeping of an entry.
func (s *SQLStore) UpdateDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	res, err := s.exec(ctx, "update dead letter",
		`UPDATE `+s.deadLettersTable+` SET error_message = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		entry.ErrorMessage, entry.RetryCount, entry.UpdatedAt.UnixNano(), entry.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return saga.NewDeadLetterNotFoundError(entry.ID)
	}
	return nil
}

// DeleteDeadLetter removes an entry.
func (s *SQLStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "delete dead letter", `DELETE FROM `+s.deadLettersTable+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return saga.NewDeadLetterNotFoundError(id)
	}
	return nil
}

func deadLetterWhere(filter saga.DeadLetterFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if filter.SagaID != "" {
		where = append(where, "saga_id = ?")
		args = append(args, filter.SagaID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListDeadLetters returns entries ordered by creation time.
func (s *SQLStore) ListDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	where, args := deadLetterWhere(filter)
	query := `SELECT ` + deadLetterColumns + ` FROM ` + s.deadLettersTable + where + ` ORDER BY created_at, id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, saga.NewStorageError("list dead letters", err)
	}
	defer rows.Close()

	out := make([]*saga.DeadLetterEntry, 0)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, saga.NewStorageError("scan dead letter", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("list dead letters", err)
	}
	return out, nil
}

// CountDeadLetters counts entries matching the filter.
func (s *SQLStore) CountDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	where, args := deadLetterWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM `+s.deadLettersTable+where), args...).Scan(&n)
	if err != nil {
		return 0, saga.NewStorageError("count dead letters", err)
	}
	return n, nil
}

// paginate appends LIMIT/OFFSET; both dialects accept LIMIT before OFFSET.
func paginate(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = 1<<31 - 1
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	return query, args
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
