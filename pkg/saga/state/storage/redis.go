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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// RedisConfig holds the configuration for the Redis store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" json:"addr"`
	Username     string        `mapstructure:"username" json:"username"`
	Password     string        `mapstructure:"password" json:"-"`
	DB           int           `mapstructure:"db" json:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix" json:"keyPrefix"`
	PoolSize     int           `mapstructure:"pool_size" json:"poolSize"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
}

// DefaultRedisConfig returns a configuration for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "saga:",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("redis addr is required")
	}
	if c.DB < 0 {
		return errors.New("redis db must be >= 0")
	}
	return nil
}

// RedisStore is a saga.Store backed by Redis.
//
// Key layout, relative to KeyPrefix:
//
//	instance:<id>        JSON saga instance
//	instances            ZSET of instance IDs scored by creation time
//	status:<status>      SET of instance IDs per status
//	checkpoints:<id>     HASH step index → JSON checkpoint
//	deadletter:<id>      JSON dead-letter entry
//	deadletters          ZSET of entry IDs scored by creation time
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	mu     sync.RWMutex
	closed bool
}

var _ saga.Store = (*RedisStore)(nil)

// NewRedisClient creates a client from config and pings it.
func NewRedisClient(config *RedisConfig) (*redis.Client, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore connects to Redis and pings it.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	client, err := NewRedisClient(config)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, config.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) instanceKey(id string) string       { return r.prefix + "instance:" + id }
func (r *RedisStore) instancesKey() string               { return r.prefix + "instances" }
func (r *RedisStore) statusKey(s saga.SagaStatus) string { return r.prefix + "status:" + string(s) }
func (r *RedisStore) checkpointsKey(id string) string    { return r.prefix + "checkpoints:" + id }
func (r *RedisStore) deadLetterKey(id string) string     { return r.prefix + "deadletter:" + id }
func (r *RedisStore) deadLettersKey() string             { return r.prefix + "deadletters" }

func (r *RedisStore) checkClosed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

// CreateInstance stores a new instance and indexes it.
func (r *RedisStore) CreateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to serialize saga: %w", err)
	}

	key := r.instanceKey(instance.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, r.instancesKey(), redis.Z{Score: float64(instance.CreatedAt.UnixNano()), Member: instance.ID})
			pipe.SAdd(ctx, r.statusKey(instance.Status), instance.ID)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateID), errors.Is(err, redis.TxFailedErr):
		// a concurrent create touched the key between WATCH and EXEC
		return ErrDuplicateID
	default:
		return saga.NewStorageError("create saga instance", err)
	}
}

// UpdateInstance replaces the instance document and moves it between status sets.
func (r *RedisStore) UpdateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	existing, err := r.GetInstance(ctx, instance.ID)
	if err != nil {
		return err
	}

	updated := instance.Clone()
	updated.CreatedAt = existing.CreatedAt
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to serialize saga: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.instanceKey(instance.ID), data, 0)
		if existing.Status != instance.Status {
			pipe.SRem(ctx, r.statusKey(existing.Status), instance.ID)
			pipe.SAdd(ctx, r.statusKey(instance.Status), instance.ID)
		}
		return nil
	})
	if err != nil {
		return saga.NewStorageError("update saga instance", err)
	}
	return nil
}

// GetInstance loads one instance.
func (r *RedisStore) GetInstance(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.instanceKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	if err != nil {
		return nil, saga.NewStorageError("get saga instance", err)
	}
	var instance saga.SagaInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("failed to deserialize saga %s: %w", sagaID, err)
	}
	return &instance, nil
}

// ListInstances walks the creation index and filters documents.
func (r *RedisStore) ListInstances(ctx context.Context, filter saga.SagaFilter) ([]*saga.SagaInstance, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	ids, err := r.client.ZRange(ctx, r.instancesKey(), 0, -1).Result()
	if err != nil {
		return nil, saga.NewStorageError("list saga instances", err)
	}

	matched := make([]*saga.SagaInstance, 0, len(ids))
	err = r.loadJSON(ctx, ids, r.instanceKey, func(data []byte) error {
		var instance saga.SagaInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			return err
		}
		if filter.Matches(&instance) {
			matched = append(matched, &instance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	start, end := saga.Page(len(matched), filter.Offset, filter.Limit)
	return matched[start:end], nil
}

// CountByStatus counts the members of every status set.
func (r *RedisStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	cmds := make(map[saga.SagaStatus]*redis.IntCmd, len(saga.AllStatuses))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range saga.AllStatuses {
			cmds[status] = pipe.SCard(ctx, r.statusKey(status))
		}
		return nil
	})
	if err != nil {
		return nil, saga.NewStorageError("count saga instances", err)
	}
	counts := make(map[saga.SagaStatus]int)
	for status, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[status] = int(n)
		}
	}
	return counts, nil
}

// WriteCheckpoint replaces the step's field in the saga's checkpoint hash.
func (r *RedisStore) WriteCheckpoint(ctx context.Context, cp *saga.StepCheckpoint) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	if cp == nil || cp.SagaID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err := r.client.HSet(ctx, r.checkpointsKey(cp.SagaID), strconv.Itoa(cp.StepIndex), data).Err(); err != nil {
		return saga.NewStorageError("write checkpoint", err)
	}
	return nil
}

// ReadCheckpoints returns a saga's checkpoints ordered by step index.
func (r *RedisStore) ReadCheckpoints(ctx context.Context, sagaID string) ([]*saga.StepCheckpoint, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, r.checkpointsKey(sagaID)).Result()
	if err != nil {
		return nil, saga.NewStorageError("read checkpoints", err)
	}

	byIndex := make(map[int]*saga.StepCheckpoint, len(fields))
	maxIndex := -1
	for field, value := range fields {
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var cp saga.StepCheckpoint
		if err := json.Unmarshal([]byte(value), &cp); err != nil {
			return nil, fmt.Errorf("failed to deserialize checkpoint %s/%d: %w", sagaID, idx, err)
		}
		byIndex[idx] = &cp
		if idx > maxIndex {
			maxIndex = idx
		}
	}

	out := make([]*saga.StepCheckpoint, 0, len(byIndex))
	for i := 0; i <= maxIndex; i++ {
		if cp, ok := byIndex[i]; ok {
			out = append(out, cp)
		}
	}
	return out, nil
}

// PushDeadLetter stores a new entry.
func (r *RedisStore) PushDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize dead letter: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.deadLetterKey(entry.ID), data, 0).Result()
	if err != nil {
		return saga.NewStorageError("push dead letter", err)
	}
	if !created {
		return ErrDuplicateID
	}
	err = r.client.ZAdd(ctx, r.deadLettersKey(), redis.Z{Score: float64(entry.CreatedAt.UnixNano()), Member: entry.ID}).Err()
	if err != nil {
		return saga.NewStorageError("index dead letter", err)
	}
	return nil
}

// GetDeadLetter loads one entry.
func (r *RedisStore) GetDeadLetter(ctx context.Context, id string) (*saga.DeadLetterEntry, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.deadLetterKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.NewDeadLetterNotFoundError(id)
	}
	if err != nil {
		return nil, saga.NewStorageError("get dead letter", err)
	}
	var entry saga.DeadLetterEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to deserialize dead letter %s: %w", id, err)
	}
	return &entry, nil
}

// UpdateDeadLetter replaces an entry only if it still exists.
func (r *RedisStore) UpdateDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	existing, err := r.GetDeadLetter(ctx, entry.ID)
	if err != nil {
		return err
	}
	updated := entry.Clone()
	updated.CreatedAt = existing.CreatedAt
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to serialize dead letter: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.deadLetterKey(entry.ID), data, 0).Result()
	if err != nil {
		return saga.NewStorageError("update dead letter", err)
	}
	if !ok {
		return saga.NewDeadLetterNotFoundError(entry.ID)
	}
	return nil
}

// DeleteDeadLetter removes an entry and its index member.
func (r *RedisStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.deadLetterKey(id))
		pipe.ZRem(ctx, r.deadLettersKey(), id)
		return nil
	})
	if err != nil {
		return saga.NewStorageError("delete dead letter", err)
	}
	if del.Val() == 0 {
		return saga.NewDeadLetterNotFoundError(id)
	}
	return nil
}

func (r *RedisStore) matchingDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error) {
	ids, err := r.client.ZRange(ctx, r.deadLettersKey(), 0, -1).Result()
	if err != nil {
		return nil, saga.NewStorageError("list dead letters", err)
	}
	matched := make([]*saga.DeadLetterEntry, 0, len(ids))
	err = r.loadJSON(ctx, ids, r.deadLetterKey, func(data []byte) error {
		var entry saga.DeadLetterEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if filter.Matches(&entry) {
			matched = append(matched, &entry)
		}
		return nil
	})
	return matched, err
}

// ListDeadLetters returns entries ordered by creation time.
func (r *RedisStore) ListDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error) {
	if err := r.checkClosed(ctx); err != nil {
		return nil, err
	}
	matched, err := r.matchingDeadLetters(ctx, filter)
	if err != nil {
		return nil, err
	}
	start, end := saga.Page(len(matched), filter.Offset, filter.Limit)
	return matched[start:end], nil
}

// CountDeadLetters counts entries matching the filter.
func (r *RedisStore) CountDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) (int, error) {
	if err := r.checkClosed(ctx); err != nil {
		return 0, err
	}
	if filter.SagaID == "" && filter.Kind == "" {
		n, err := r.client.ZCard(ctx, r.deadLettersKey()).Result()
		if err != nil {
			return 0, saga.NewStorageError("count dead letters", err)
		}
		return int(n), nil
	}
	matched, err := r.matchingDeadLetters(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// loadJSON fetches ids in batches with MGET and hands every present document to fn.
func (r *RedisStore) loadJSON(ctx context.Context, ids []string, key func(string) string, fn func([]byte) error) error {
	const batch = 200
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, key(id))
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return saga.NewStorageError("load documents", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if err := fn([]byte(s)); err != nil {
				return fmt.Errorf("failed to deserialize document: %w", err)
			}
		}
	}
	return nil
}

// HealthCheck pings Redis.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.checkClosed(ctx); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
