package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"cockpit/api/internal/queue"
	"cockpit/api/internal/search"
	"cockpit/api/internal/store"
	"cockpit/api/internal/vector"
)

// MaxAttempts bounds automatic retries of a job that failed for a transient reason.
const MaxAttempts = 3

// HandleJob processes one queued source and re-queues it when the failure
// looks transient and attempts remain.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	err := s.Process(ctx, job.SourceID)
	if err == nil || ctx.Err() != nil || permanent(err) || job.Attempt+1 >= MaxAttempts {
		return err
	}

	src, getErr := s.Store.GetSource(ctx, job.SourceID)
	if getErr != nil {
		return err
	}
	if _, requeueErr := s.requeue(ctx, src, job.Attempt+1); requeueErr != nil {
		s.log.Warnw("retry kb source", "source", job.SourceID, "error", requeueErr)
		return err
	}
	s.log.Infow("kb source queued for retry", "source", job.SourceID, "attempt", job.Attempt+1, "error", err)
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidFile) || errors.Is(err, ErrNoText) || errors.Is(err, ErrInvalidOptions)
}

// Process runs the ingestion pipeline for a pending source. A source that is
// not pending any more (already taken by another worker, deleted, reset) is
// skipped without error.
func (s *Service) Process(ctx context.Context, sourceID string) error {
	claimed, err := s.Store.TransitionSource(ctx, sourceID, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Debugw("kb source not pending, skipping", "source", sourceID)
		return nil
	}

	src, err := s.Store.GetSource(ctx, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	log := s.log.With("source", src.ID, "agent", src.AgentID)
	log.Infow("processing kb source")

	chunks, tokens, err := s.ingest(ctx, src)
	if err != nil {
		s.cleanupFailed(context.WithoutCancel(ctx), src, err)
		return err
	}

	done, err := s.Store.CompleteSource(ctx, src.ID, chunks, tokens)
	if err != nil {
		s.cleanupFailed(context.WithoutCancel(ctx), src, err)
		return err
	}
	if !done {
		// The source was deleted while it was being processed.
		s.dropIndexes(context.WithoutCancel(ctx), src.ID)
		log.Infow("kb source vanished during processing")
		return nil
	}
	log.Infow("kb source ready", "chunks", chunks, "tokens", tokens)
	return nil
}

func (s *Service) ingest(ctx context.Context, src store.KBSource) (int, int, error) {
	format, ok := FormatFromName(src.FileName)
	if !ok {
		return 0, 0, fmt.Errorf("%w: unsupported file %q", ErrInvalidFile, src.FileName)
	}
	data, err := s.Objects.Get(ctx, src.ObjectKey)
	if err != nil {
		return 0, 0, fmt.Errorf("load source object: %w", err)
	}
	text, err := Extract(format, data)
	if err != nil {
		return 0, 0, err
	}
	pieces, err := Chunk(text, s.cfg.Chunk)
	if err != nil {
		return 0, 0, err
	}
	pieces = dedupe(pieces)
	if len(pieces) == 0 {
		return 0, 0, ErrNoText
	}

	vectors, err := s.embedAll(ctx, pieces)
	if err != nil {
		return 0, 0, err
	}

	rows := make([]store.KBChunk, len(pieces))
	points := make([]vector.Point, len(pieces))
	records := make([]search.ChunkRecord, len(pieces))
	tokens := 0
	for i, p := range pieces {
		id := newChunkID()
		rows[i] = store.KBChunk{
			ID: id, SourceID: src.ID, AgentID: src.AgentID, WorkspaceID: src.WorkspaceID,
			ChunkIndex: p.Index, Content: p.Content, TokenCount: p.Tokens, Checksum: p.Checksum,
		}
		points[i] = vector.Point{
			ID: id, Vector: vectors[i], WorkspaceID: src.WorkspaceID, AgentID: src.AgentID,
			SourceID: src.ID, ChunkIndex: p.Index, Title: src.Title, Content: p.Content,
		}
		records[i] = search.ChunkRecord{
			ID: id, WorkspaceID: src.WorkspaceID, AgentID: src.AgentID, SourceID: src.ID,
			ChunkIndex: p.Index, Title: src.Title, Content: p.Content,
		}
		tokens += p.Tokens
	}

	if err := s.Vectors.DeleteBySource(ctx, src.ID); err != nil {
		return 0, 0, fmt.Errorf("clear previous vectors: %w", err)
	}
	if err := s.Vectors.Upsert(ctx, points); err != nil {
		return 0, 0, fmt.Errorf("store vectors: %w", err)
	}
	if err := s.Store.ReplaceChunks(ctx, src.ID, rows); err != nil {
		return 0, 0, err
	}
	s.Keywords.ReplaceSource(src.ID, records)
	return len(pieces), tokens, nil
}

// dedupe drops repeated chunks of a source and renumbers the rest from 0.
func dedupe(pieces []TextChunk) []TextChunk {
	seen := make(map[string]bool, len(pieces))
	out := pieces[:0]
	for _, p := range pieces {
		if seen[p.Checksum] {
			continue
		}
		seen[p.Checksum] = true
		p.Index = len(out)
		out = append(out, p)
	}
	return out
}

func (s *Service) embedAll(ctx context.Context, pieces []TextChunk) ([][]float32, error) {
	dims := s.Vectors.Dimensions()
	vectors := make([][]float32, 0, len(pieces))
	for start := 0; start < len(pieces); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pieces))
		inputs := make([]string, 0, end-start)
		for _, p := range pieces[start:end] {
			inputs = append(inputs, p.Content)
		}
		batch, err := s.Embedder.Embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(batch) != len(inputs) {
			return nil, fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(batch))
		}
		for i, v := range batch {
			if len(v) != dims {
				return nil, fmt.Errorf("embedding for chunk %d has %d dimensions, want %d", start+i, len(v), dims)
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (s *Service) cleanupFailed(ctx context.Context, src store.KBSource, cause error) {
	s.dropIndexes(ctx, src.ID)
	if err := s.Store.DeleteChunks(ctx, src.ID); err != nil {
		s.log.Warnw("delete chunks of failed source", "source", src.ID, "error", err)
	}
	if _, err := s.Store.FailSource(ctx, src.ID, truncate(cause.Error(), maxErrorLength)); err != nil {
		s.log.Errorw("mark kb source failed", "source", src.ID, "error", err)
	}
	s.log.Warnw("kb source failed", "source", src.ID, "error", cause)
}

func (s *Service) dropIndexes(ctx context.Context, sourceID string) {
	if err := s.Vectors.DeleteBySource(ctx, sourceID); err != nil {
		s.log.Warnw("delete source vectors", "source", sourceID, "error", err)
	}
	s.Keywords.DeleteSource(sourceID)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
