// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	Options
}

// RedisStore is a Store backed by Redis. Sessions are JSON strings with a
// key expiry; appends run in a WATCH transaction.
type RedisStore struct {
	rdb   *redis.Client
	opts  Options
	locks sessionLocks
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb, opts: cfg.Options.withDefaults()}, nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]Turn, error) {
	turns, _, err := getTurns(ctx, s.rdb, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	txf := func(tx *redis.Tx) error {
		turns, _, err := getTurns(ctx, tx, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(appendBounded(turns, turn, s.opts.MaxTurns))
		if err != nil {
			return fmt.Errorf("encode session history: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.TTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflictRetriesExhausted
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// ClearIfUnchanged implements Store with a WATCH transaction around the
// comparison and the delete.
func (s *RedisStore) ClearIfUnchanged(ctx context.Context, sessionID string, seen []Turn) (bool, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	var cleared bool
	txf := func(tx *redis.Tx) error {
		turns, found, err := getTurns(ctx, tx, key)
		if err != nil {
			return err
		}
		cleared = !found || sameTurns(turns, seen)
		if !found || !cleared {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("clear session %s: %w", sessionID, err)
		}
		return cleared, nil
	}
	return false, ErrConflictRetriesExhausted
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ensure implements Store.
func (s *RedisStore) Ensure(ctx context.Context, sessionID string) error {
	return s.rdb.SetNX(ctx, sessionKey(sessionID), "[]", s.opts.TTL).Err()
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getTurns(ctx context.Context, c stringGetter, key string) ([]Turn, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, true, fmt.Errorf("decode session history: %w", err)
	}
	return turns, true, nil
}

var _ Store = (*RedisStore)(nil)
