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
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("rollback-test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return NewRedisBackend(client, prefix)
}

func TestRedisBackend_Versions(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()
	target := Target{Type: TargetFirmware, ID: "fw-edge"}

	_, err := backend.CurrentVersion(ctx, target)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	require.NoError(t, backend.Publish(ctx, target, "2.1", "2.0"))

	known, err := backend.HasVersion(ctx, target, "2.0")
	require.NoError(t, err)
	assert.True(t, known)

	assert.ErrorIs(t, backend.SwitchVersion(ctx, target, "1.0"), ErrVersionNotFound)
	require.NoError(t, backend.SwitchVersion(ctx, target, "2.0"))

	current, err := backend.CurrentVersion(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "2.0", current)
}

func TestRedisBackend_Snapshots(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()
	target := Target{Type: TargetRule, ID: "r-1"}

	_, ok, err := backend.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.SaveSnapshot(ctx, &Snapshot{SagaID: "s1", Target: target, Version: "v2"}))
	require.NoError(t, backend.SaveSnapshot(ctx, &Snapshot{SagaID: "s1", Target: target, Version: "v1"}))

	snap, ok, err := backend.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", snap.Version)
	assert.Equal(t, target, snap.Target)

	require.NoError(t, backend.DropSnapshot(ctx, "s1"))
	_, ok, err = backend.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_Audit(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Record(ctx, &AuditRecord{SagaID: "s1", ToVersion: "v1"}))
	require.NoError(t, backend.Record(ctx, &AuditRecord{SagaID: "s2", ToVersion: "v2"}))
	require.NoError(t, backend.Record(ctx, &AuditRecord{SagaID: "s1", ToVersion: "again"}))

	records, err := backend.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s2", records[0].SagaID)
	assert.Equal(t, "v1", records[1].ToVersion)

	records, err = backend.Records(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
