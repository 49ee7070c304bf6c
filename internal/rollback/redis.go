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

package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps versions, snapshots and the audit trail in Redis.
//
// Key layout, relative to the prefix:
//
//	version:current:<type>/<id>   live version
//	version:known:<type>/<id>     SET of published versions
//	snapshot:<sagaId>             JSON snapshot
//	audit                         STREAM of audit records
//	audit:seen:<sagaId>           marker for recorded sagas
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ VersionSwitcher = (*RedisBackend)(nil)
	_ SnapshotStore   = (*RedisBackend)(nil)
	_ AuditLog        = (*RedisBackend)(nil)
)

// NewRedisBackend wraps an existing client. prefix defaults to "rollback:".
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "rollback:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) currentKey(t Target) string   { return r.prefix + "version:current:" + t.String() }
func (r *RedisBackend) knownKey(t Target) string     { return r.prefix + "version:known:" + t.String() }
func (r *RedisBackend) snapshotKey(id string) string { return r.prefix + "snapshot:" + id }
func (r *RedisBackend) auditKey() string             { return r.prefix + "audit" }
func (r *RedisBackend) seenKey(id string) string     { return r.prefix + "audit:seen:" + id }

// Publish registers versions for target and makes current live.
func (r *RedisBackend) Publish(ctx context.Context, target Target, current string, versions ...string) error {
	members := make([]interface{}, 0, len(versions)+1)
	members = append(members, current)
	for _, v := range versions {
		members = append(members, v)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.knownKey(target), members...)
		pipe.Set(ctx, r.currentKey(target), current, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish versions of %s: %w", target, err)
	}
	return nil
}

func (r *RedisBackend) CurrentVersion(ctx context.Context, target Target) (string, error) {
	v, err := r.client.Get(ctx, r.currentKey(target)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTargetNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read version of %s: %w", target, err)
	}
	return v, nil
}

func (r *RedisBackend) HasVersion(ctx context.Context, target Target, version string) (bool, error) {
	if _, err := r.CurrentVersion(ctx, target); err != nil {
		return false, err
	}
	ok, err := r.client.SIsMember(ctx, r.knownKey(target), version).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up version of %s: %w", target, err)
	}
	return ok, nil
}

func (r *RedisBackend) SwitchVersion(ctx context.Context, target Target, version string) error {
	known, err := r.HasVersion(ctx, target, version)
	if err != nil {
		return err
	}
	if !known {
		return ErrVersionNotFound
	}
	if err := r.client.Set(ctx, r.currentKey(target), version, 0).Err(); err != nil {
		return fmt.Errorf("failed to switch %s to %s: %w", target, version, err)
	}
	return nil
}

func (r *RedisBackend) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.SetNX(ctx, r.snapshotKey(s.SagaID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot of saga %s: %w", s.SagaID, err)
	}
	return nil
}

func (r *RedisBackend) GetSnapshot(ctx context.Context, sagaID string) (*Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.snapshotKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot of saga %s: %w", sagaID, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, true, nil
}

func (r *RedisBackend) DropSnapshot(ctx context.Context, sagaID string) error {
	if err := r.client.Del(ctx, r.snapshotKey(sagaID)).Err(); err != nil {
		return fmt.Errorf("failed to drop snapshot of saga %s: %w", sagaID, err)
	}
	return nil
}

// Record appends to the audit stream. A crash between the append and the
// marker write can leave a duplicate entry, never a missing one.
func (r *RedisBackend) Record(ctx context.Context, record *AuditRecord) error {
	seen, err := r.client.Exists(ctx, r.seenKey(record.SagaID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check audit marker: %w", err)
	}
	if seen > 0 {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.auditKey(),
		Values: map[string]interface{}{"sagaId": record.SagaID, "record": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := r.client.Set(ctx, r.seenKey(record.SagaID), 1, 0).Err(); err != nil {
		return fmt.Errorf("failed to write audit marker: %w", err)
	}
	return nil
}

// Records returns the newest records first.
func (r *RedisBackend) Records(ctx context.Context, limit int) ([]*AuditRecord, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = r.client.XRevRangeN(ctx, r.auditKey(), "+", "-", int64(limit)).Result()
	} else {
		msgs, err = r.client.XRevRange(ctx, r.auditKey(), "+", "-").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	out := make([]*AuditRecord, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["record"].(string)
		if !ok {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record %s: %w", msg.ID, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
