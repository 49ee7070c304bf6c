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

// Package storage provides the persistence backends of the saga orchestrator.
//
// Every backend implements saga.Store: saga instances, per-step checkpoints
// and dead-letter entries.
//
// # Available Backends
//
// Memory storage keeps everything in process and is meant for tests and
// single-shot tools:
//
//	store := storage.NewMemoryStore()
//
// SQL storage supports PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite)
// with the same schema:
//
//	store, err := storage.NewSQLStore(&storage.SQLConfig{
//	    Dialect: storage.DialectSQLite,
//	    DSN:     "/var/lib/saga/saga.db",
//	})
//
// Redis storage keeps instances as JSON documents with sorted-set indexes:
//
//	store, err := storage.NewRedisStore(storage.DefaultRedisConfig())
//
// # Durability
//
// WriteCheckpoint returns only after the checkpoint is persisted by the
// backend; the engine relies on this before advancing a saga.
package storage

import (
	"errors"
)

var (
	// ErrStorageClosed is returned when attempting to use a closed store.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrInvalidID is returned for empty saga or dead-letter IDs.
	ErrInvalidID = errors.New("invalid ID")

	// ErrDuplicateID is returned when creating an instance or entry whose ID exists.
	ErrDuplicateID = errors.New("duplicate ID")
)
