package search

import (
	"context"

	"go.uber.org/zap"
)

const (
	EngineMeili = "meilisearch"
	EnginePg    = "postgres"
)

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *zap.SugaredLogger
}

// NewService creates a search service. meili may be nil when Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.SugaredLogger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.log.Warnw("meilisearch error, falling back to postgres", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: EnginePg}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Errorw("postgres full-text search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: EnginePg}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EnginePg}
}

// ReplaceSource swaps the indexed chunks of a source (fire-and-forget).
// Deletion and insertion run in one goroutine so they reach Meilisearch in order.
func (s *Service) ReplaceSource(sourceID string, records []ChunkRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteWhere("sourceId", sourceID); err != nil {
			s.log.Warnw("delete source chunks from index", "source", sourceID, "error", err)
			return
		}
		if err := s.meili.IndexChunks(records); err != nil {
			s.log.Warnw("index source chunks", "source", sourceID, "error", err)
		}
	}()
}

func (s *Service) DeleteSource(sourceID string) {
	s.deleteWhere("sourceId", sourceID)
}

func (s *Service) DeleteAgent(agentID string) {
	s.deleteWhere("agentId", agentID)
}

func (s *Service) deleteWhere(field, value string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteWhere(field, value); err != nil {
			s.log.Warnw("delete chunks from index", field, value, "error", err)
		}
	}()
}

// ReindexFromPG pushes every stored chunk into Meilisearch. An empty agentID
// reindexes all agents.
func (s *Service) ReindexFromPG(ctx context.Context, agentID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAgentRecords(ctx, agentID)
	if err != nil {
		s.log.Warnw("reindex load failed", "error", err)
		return
	}
	const batch = 500
	for start := 0; start < len(records); start += batch {
		end := min(start+batch, len(records))
		if err := s.meili.IndexChunks(records[start:end]); err != nil {
			s.log.Warnw("reindex chunks", "error", err)
			return
		}
	}
	s.log.Infow("reindexed kb chunks", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
