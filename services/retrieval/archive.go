// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	archiveChunkSize    = 500
	archiveChunkOverlap = 50

	// SummaryVersionTag marks passages written by Archive.
	SummaryVersionTag = "conversation_summary"
)

// ErrStoreNotConfigured is returned by Archive without a document index.
var ErrStoreNotConfigured = errors.New("knowledge store not configured")

// Archiver writes text into the document store so later searches can
// find it.
type Archiver struct {
	index    DocumentIndex
	embedder Embedder
	splitter textsplitter.TextSplitter
	now      func() time.Time
}

// NewArchiver builds an Archiver. embedder may be nil, in which case
// chunks are stored without vectors and are reachable by keyword search.
func NewArchiver(index DocumentIndex, embedder Embedder) *Archiver {
	return &Archiver{
		index:    index,
		embedder: embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(archiveChunkSize),
			textsplitter.WithChunkOverlap(archiveChunkOverlap),
		),
		now: time.Now,
	}
}

// Archive splits text, embeds the chunks and imports them under
// sessionID. Chunk IDs are derived from the session, position and content
// so retrying an archive overwrites rather than duplicates.
//
// # Outputs
//
//   - int: Chunks stored.
//   - error: ErrStoreNotConfigured, or an *Error from a backend.
func (a *Archiver) Archive(ctx context.Context, sessionID, text string) (int, error) {
	ctx, span := tracer.Start(ctx, "Archiver.Archive")
	defer span.End()

	if a.index == nil {
		return 0, ErrStoreNotConfigured
	}
	parts, err := a.splitter.SplitText(text)
	if err != nil {
		return 0, newError("textsplitter", "split text", err)
	}
	if len(parts) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("archive.chunks", len(parts)))

	var vectors [][]float32
	if a.embedder != nil {
		vectors, err = a.embedder.EmbedBatch(ctx, parts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embedding failed")
			return 0, err
		}
	}

	ingestedAt := a.now().UnixMilli()
	chunks := make([]Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = Chunk{
			ID:         chunkID(sessionID, i, part),
			Content:    part,
			Source:     fmt.Sprintf("session_%s_part_%d", sessionID, i+1),
			Parent:     "session_" + sessionID,
			VersionTag: SummaryVersionTag,
			IngestedAt: ingestedAt,
		}
		if vectors != nil {
			chunks[i].Vector = vectors[i]
		}
	}

	stored, err := a.index.Import(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		return stored, err
	}
	slog.Info("Archived session summary", "session_id", sessionID, "chunks", stored)
	return stored, nil
}

func chunkID(sessionID string, i int, content string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d:%s", sessionID, i, content))).String()
}
