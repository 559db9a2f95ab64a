// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory stores per-session conversation history.
//
// A session is an ordered list of turns kept under one key in a durable
// key-value store with a time-to-live, so idle sessions disappear on their
// own. Two backends are provided: BadgerStore (embedded, the default) and
// RedisStore (shared across replicas).
//
// # Consistency
//
// Append is a read-modify-write of the whole list. Both backends make it
// atomic: Badger runs it inside one transaction, Redis inside a WATCH
// transaction, and both retry on conflict. A cancelled request therefore
// either adds its turn or leaves the history untouched.
//
// ClearIfUnchanged is the compare-and-delete counterpart: it removes a
// session only while its history still equals what the caller read, so a
// turn appended in between is never dropped unseen.
package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrSessionNotFound is returned by operations that require an existing
// session record.
var ErrSessionNotFound = errors.New("session not found")

// ErrConflictRetriesExhausted is returned when an append lost the
// optimistic-concurrency race too many times in a row.
var ErrConflictRetriesExhausted = errors.New("session update conflicted too many times")

const (
	// DefaultMaxTurns bounds the stored history per session.
	DefaultMaxTurns = 50

	// DefaultTTL is how long an idle session survives.
	DefaultTTL = 24 * time.Hour

	keyPrefix          = "session:"
	maxConflictRetries = 16
)

// Turn is one exchange. It is never modified after it is appended.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the session memory contract.
type Store interface {
	// Load returns the session's turns oldest first. A session that does not
	// exist yields an empty slice and a nil error.
	Load(ctx context.Context, sessionID string) ([]Turn, error)

	// Append adds a turn at the end of the session, creating the session if
	// needed, and refreshes its expiry.
	Append(ctx context.Context, sessionID string, turn Turn) error

	// Clear deletes the session. Clearing a missing session is not an error.
	Clear(ctx context.Context, sessionID string) error

	// ClearIfUnchanged deletes the session only if its turns still equal
	// seen, and reports whether the session is gone. A session that no
	// longer exists reports true.
	ClearIfUnchanged(ctx context.Context, sessionID string, seen []Turn) (bool, error)

	// Exists reports whether a session record is present, empty or not.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Ensure creates an empty session record if none exists.
	Ensure(ctx context.Context, sessionID string) error

	Close() error
}

// Options are the retention settings shared by all backends.
type Options struct {
	// TTL is the idle expiry. Zero disables expiry.
	TTL time.Duration

	// MaxTurns keeps only the newest turns. Zero means DefaultMaxTurns.
	MaxTurns int
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	return o
}

// Recent returns at most the last n turns.
func Recent(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

func appendBounded(turns []Turn, turn Turn, max int) []Turn {
	turns = append(turns, turn)
	if len(turns) > max {
		turns = append([]Turn(nil), turns[len(turns)-max:]...)
	}
	return turns
}

// sameTurns reports whether two histories hold the same turns in order.
func sameTurns(a, b []Turn) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].User != b[i].User || a[i].Assistant != b[i].Assistant || !a[i].CreatedAt.Equal(b[i].CreatedAt) {
			return false
		}
	}
	return true
}

// sessionLocks serializes writers of the same session inside one process
// so that optimistic retries are only needed across processes.
type sessionLocks struct {
	stripes [64]sync.Mutex
}

func (l *sessionLocks) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
