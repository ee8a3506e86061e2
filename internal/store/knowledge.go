package store

import (
	"context"
	"fmt"
	"time"
)

const sourceColumns = `id, workspace_id, agent_id, kind, title, file_name, content_type, object_key, size_bytes,
	checksum, status, error, chunk_count, token_count, created_by, created_at, updated_at, processed_at`

func scanSource(row interface{ Scan(...any) error }) (KBSource, error) {
	var src KBSource
	err := row.Scan(&src.ID, &src.WorkspaceID, &src.AgentID, &src.Kind, &src.Title, &src.FileName, &src.ContentType,
		&src.ObjectKey, &src.SizeBytes, &src.Checksum, &src.Status, &src.Error, &src.ChunkCount, &src.TokenCount,
		&src.CreatedBy, &src.CreatedAt, &src.UpdatedAt, &src.ProcessedAt)
	return src, err
}

// InsertSource returns ErrConflict when the agent already holds a source with
// the same checksum.
func (s *PostgresStore) InsertSource(ctx context.Context, src KBSource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_sources (id, workspace_id, agent_id, kind, title, file_name, content_type, object_key, size_bytes, checksum, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, src.ID, src.WorkspaceID, src.AgentID, src.Kind, src.Title, src.FileName, src.ContentType, src.ObjectKey,
		src.SizeBytes, src.Checksum, src.Status, src.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert kb source: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, sourceID string) (KBSource, error) {
	return scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM kb_sources WHERE id=$1`, sourceID))
}

func (s *PostgresStore) GetAgentSource(ctx context.Context, agentID, sourceID string) (KBSource, error) {
	return scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM kb_sources WHERE agent_id=$1 AND id=$2`, agentID, sourceID))
}

func (s *PostgresStore) FindSourceByChecksum(ctx context.Context, agentID, checksum string) (KBSource, error) {
	return scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM kb_sources WHERE agent_id=$1 AND checksum=$2`, agentID, checksum))
}

func (s *PostgresStore) ListSources(ctx context.Context, agentID string) ([]KBSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM kb_sources WHERE agent_id=$1 ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list kb sources: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

// ListStaleSources returns pending or processing sources untouched since before.
func (s *PostgresStore) ListStaleSources(ctx context.Context, before time.Time) ([]KBSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM kb_sources
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale kb sources: %w", err)
	}
	defer rows.Close()
	return collectSources(rows)
}

func collectSources(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]KBSource, error) {
	sources := make([]KBSource, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kb source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// TransitionSource moves a source from one status to another only if it is
// still in the expected status. Moving back to pending clears the previous
// error and counters.
func (s *PostgresStore) TransitionSource(ctx context.Context, sourceID, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE kb_sources
		SET status=$3,
			error=CASE WHEN $3 = 'pending' THEN '' ELSE error END,
			updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, sourceID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition kb source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition kb source rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CompleteSource(ctx context.Context, sourceID string, chunkCount, tokenCount int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE kb_sources
		SET status='ready', error='', chunk_count=$2, token_count=$3, processed_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='processing'
	`, sourceID, chunkCount, tokenCount)
	if err != nil {
		return false, fmt.Errorf("complete kb source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete kb source rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) FailSource(ctx context.Context, sourceID, message string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE kb_sources
		SET status='failed', error=$2, chunk_count=0, token_count=0, processed_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='processing'
	`, sourceID, message)
	if err != nil {
		return false, fmt.Errorf("fail kb source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail kb source rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, agentID, sourceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kb_sources WHERE agent_id=$1 AND id=$2`, agentID, sourceID)
	if err != nil {
		return fmt.Errorf("delete kb source: %w", err)
	}
	return expectRow(result)
}

// ReplaceChunks swaps the chunk rows of a source in one transaction.
func (s *PostgresStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []KBChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE source_id=$1`, sourceID); err != nil {
		return fmt.Errorf("delete kb chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_chunks (id, source_id, agent_id, workspace_id, chunk_index, content, token_count, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare kb chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, chunk.ID, sourceID, chunk.AgentID, chunk.WorkspaceID, chunk.ChunkIndex,
			chunk.Content, chunk.TokenCount, chunk.Checksum); err != nil {
			return fmt.Errorf("insert kb chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kb_chunks WHERE source_id=$1`, sourceID); err != nil {
		return fmt.Errorf("delete kb chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, sourceID string) ([]KBChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, agent_id, workspace_id, chunk_index, content, token_count, checksum, created_at
		FROM kb_chunks
		WHERE source_id=$1
		ORDER BY chunk_index ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list kb chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]KBChunk, 0)
	for rows.Next() {
		var c KBChunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.AgentID, &c.WorkspaceID, &c.ChunkIndex, &c.Content, &c.TokenCount, &c.Checksum, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan kb chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) SourceStatusCounts(ctx context.Context, agentID string) ([]KBStatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(chunk_count), 0), COALESCE(SUM(token_count), 0)
		FROM kb_sources
		WHERE agent_id=$1
		GROUP BY status
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("kb status counts: %w", err)
	}
	defer rows.Close()

	counts := make([]KBStatusCount, 0)
	for rows.Next() {
		var c KBStatusCount
		if err := rows.Scan(&c.Status, &c.Count, &c.Chunks, &c.Tokens); err != nil {
			return nil, fmt.Errorf("scan kb status count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
