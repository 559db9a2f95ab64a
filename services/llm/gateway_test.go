// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type scriptedClient struct {
	calls  atomic.Int32
	output string
	err    error
	delay  time.Duration
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.output, c.err
}

// =============================================================================
// Gateway Tests
// =============================================================================

func TestGateway_Complete_SingleAttempt(t *testing.T) {
	primary := &scriptedClient{err: errors.New("401 unauthorized")}
	fallback := &scriptedClient{output: "unused"}
	g := NewGateway(Backend{Name: "groq", Client: primary}, &Backend{Name: "gemini", Client: fallback})

	_, err := g.Complete(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)

	var me *ModelError
	require.True(t, errors.As(err, &me), "Complete must fail with a ModelError")
	assert.Equal(t, "groq", me.Backend)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(0), fallback.calls.Load(), "Complete never touches the fallback")
}

func TestGateway_CompleteWithFallback_PrimarySucceeds(t *testing.T) {
	primary := &scriptedClient{output: "from primary"}
	fallback := &scriptedClient{output: "from fallback"}
	g := NewGateway(Backend{Name: "groq", Client: primary}, &Backend{Name: "gemini", Client: fallback})

	out, err := g.CompleteWithFallback(context.Background(), "hi", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", out)
	assert.Equal(t, int32(0), fallback.calls.Load())
}

func TestGateway_CompleteWithFallback_UsesFallbackOnce(t *testing.T) {
	primary := &scriptedClient{err: errors.New("timeout")}
	fallback := &scriptedClient{output: "from fallback"}
	var observed []string
	g := NewGateway(
		Backend{Name: "groq", Client: primary},
		&Backend{Name: "gemini", Client: fallback},
		WithFallbackObserver(func(p, f string) { observed = append(observed, p+"->"+f) }),
	)

	out, err := g.CompleteWithFallback(context.Background(), "hi", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", out)
	assert.Equal(t, []string{"groq->gemini"}, observed)
}

func TestGateway_CompleteWithFallback_BothFail(t *testing.T) {
	primary := &scriptedClient{err: errors.New("primary down")}
	fallback := &scriptedClient{err: errors.New("fallback down")}
	g := NewGateway(Backend{Name: "groq", Client: primary}, &Backend{Name: "gemini", Client: fallback})

	_, err := g.CompleteWithFallback(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendsExhausted))
	assert.True(t, IsModelError(err))

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "groq", ex.Primary.Backend)
	require.NotNil(t, ex.Fallback)
	assert.Equal(t, "gemini", ex.Fallback.Backend)

	assert.Equal(t, int32(1), primary.calls.Load(), "exactly one primary attempt")
	assert.Equal(t, int32(1), fallback.calls.Load(), "exactly one fallback attempt")
}

func TestGateway_CompleteWithFallback_NoFallbackConfigured(t *testing.T) {
	primary := &scriptedClient{err: errors.New("down")}
	g := NewGateway(Backend{Name: "groq", Client: primary}, nil)

	_, err := g.CompleteWithFallback(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendsExhausted))
}

func TestGateway_EmptyCompletionIsModelError(t *testing.T) {
	primary := &scriptedClient{output: ""}
	g := NewGateway(Backend{Name: "groq", Client: primary}, nil)

	_, err := g.Complete(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyCompletion))
}

func TestGateway_CallTimeoutAppliesPerAttempt(t *testing.T) {
	primary := &scriptedClient{output: "late", delay: time.Second}
	fallback := &scriptedClient{output: "quick"}
	g := NewGateway(
		Backend{Name: "slow", Client: primary},
		&Backend{Name: "fast", Client: fallback},
		WithCallTimeout(20*time.Millisecond),
	)

	out, err := g.CompleteWithFallback(context.Background(), "hi", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "quick", out)
}

func TestGateway_NilClientIsModelError(t *testing.T) {
	g := NewGateway(Backend{Name: "missing"}, nil)
	_, err := g.Complete(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsModelError(err))
}
