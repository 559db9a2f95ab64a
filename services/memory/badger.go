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
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded session database.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64

	Options
}

// DefaultBadgerConfig returns production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Options:        Options{TTL: DefaultTTL, MaxTurns: DefaultMaxTurns},
	}
}

// InMemoryBadgerConfig returns settings for an ephemeral database.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory: true,
		Options:  Options{TTL: DefaultTTL, MaxTurns: DefaultMaxTurns},
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a Store backed by an embedded Badger database.
//
// # Description
//
// Each session is one key, "session:<id>", holding the JSON encoding of
// its turns. Every write carries the configured TTL so Badger drops idle
// sessions by itself.
//
// # Thread Safety
//
// Safe for concurrent use. Writers of one session are serialized in
// process and every write is a single Badger transaction retried on
// ErrConflict.
type BadgerStore struct {
	db    *badger.DB
	opts  Options
	locks sessionLocks

	gcStop chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// OpenBadgerStore opens (or creates) the database described by cfg.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent session store")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create session store directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger session store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		opts:   cfg.Options.withDefaults(),
		logger: cfg.Logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var turns []Turn
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		turns, _, err = readTurns(txn, sessionKey(sessionID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	return s.updateWithRetry(ctx, func(txn *badger.Txn) error {
		turns, _, err := readTurns(txn, key)
		if err != nil {
			return err
		}
		return s.writeTurns(txn, key, appendBounded(turns, turn, s.opts.MaxTurns))
	})
}

// Clear implements Store.
func (s *BadgerStore) Clear(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	return s.updateWithRetry(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionKey(sessionID)))
	})
}

// ClearIfUnchanged implements Store. The comparison and the delete share
// one transaction, so a concurrent append from another process makes the
// commit conflict and the check runs again.
func (s *BadgerStore) ClearIfUnchanged(ctx context.Context, sessionID string, seen []Turn) (bool, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	var cleared bool
	err := s.updateWithRetry(ctx, func(txn *badger.Txn) error {
		turns, found, err := readTurns(txn, key)
		if err != nil {
			return err
		}
		cleared = !found || sameTurns(turns, seen)
		if !found || !cleared {
			return nil
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return cleared, nil
}

// Exists implements Store.
func (s *BadgerStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, found, err = readTurns(txn, sessionKey(sessionID))
		return err
	})
	return found, err
}

// Ensure implements Store.
func (s *BadgerStore) Ensure(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	return s.updateWithRetry(ctx, func(txn *badger.Txn) error {
		_, found, err := readTurns(txn, key)
		if err != nil || found {
			return err
		}
		return s.writeTurns(txn, key, []Turn{})
	})
}

// Close stops value-log GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *BadgerStore) updateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflictRetriesExhausted
}

func (s *BadgerStore) writeTurns(txn *badger.Txn, key string, turns []Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode session history: %w", err)
	}
	entry := badger.NewEntry([]byte(key), data)
	if s.opts.TTL > 0 {
		entry = entry.WithTTL(s.opts.TTL)
	}
	return txn.SetEntry(entry)
}

func readTurns(txn *badger.Txn, key string) ([]Turn, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var turns []Turn
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &turns)
	})
	if err != nil {
		return nil, true, fmt.Errorf("decode session history: %w", err)
	}
	return turns, true, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

var _ Store = (*BadgerStore)(nil)
