package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches kb_chunks with PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `c.agent_id = $1 AND c.fts @@ plainto_tsquery('portuguese', $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_chunks c WHERE `+where, q.AgentID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.source_id, c.chunk_index, s.title, c.content,
			ts_headline('portuguese', c.content, plainto_tsquery('portuguese', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			ts_rank(c.fts, plainto_tsquery('portuguese', $2)) AS rank
		FROM kb_chunks c
		JOIN kb_sources s ON s.id = c.source_id
		WHERE `+where+`
		ORDER BY rank DESC, c.chunk_index ASC
		LIMIT $3 OFFSET $4
	`, q.AgentID, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ChunkID, &r.SourceID, &r.ChunkIndex, &r.Title, &r.Content, &r.Snippet, &r.Score); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAgentRecords returns every stored chunk of an agent for reindexing.
func (p *PgFTS) LoadAgentRecords(ctx context.Context, agentID string) ([]ChunkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.workspace_id, c.agent_id, c.source_id, c.chunk_index, s.title, c.content
		FROM kb_chunks c
		JOIN kb_sources s ON s.id = c.source_id
		WHERE ($1 = '' OR c.agent_id = $1)
		ORDER BY c.source_id, c.chunk_index
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load chunk records: %w", err)
	}
	defer rows.Close()

	records := make([]ChunkRecord, 0)
	for rows.Next() {
		var r ChunkRecord
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.AgentID, &r.SourceID, &r.ChunkIndex, &r.Title, &r.Content); err != nil {
			return nil, fmt.Errorf("scan chunk record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
