package knowledge

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cockpit/api/internal/objectstore"
	"cockpit/api/internal/queue"
	"cockpit/api/internal/search"
	"cockpit/api/internal/store"
	"cockpit/api/internal/util"
	"cockpit/api/internal/vector"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	embedBatchSize  = 64
	maxErrorLength  = 500
	maxSearchTopK   = 20
	textSourceFile  = "content.txt"
	searchModeVec   = "vector"
	searchModeWords = "keyword"
)

var ErrInvalidQuery = errors.New("invalid search query")

type Store interface {
	InsertSource(ctx context.Context, src store.KBSource) error
	GetSource(ctx context.Context, sourceID string) (store.KBSource, error)
	GetAgentSource(ctx context.Context, agentID, sourceID string) (store.KBSource, error)
	FindSourceByChecksum(ctx context.Context, agentID, checksum string) (store.KBSource, error)
	ListSources(ctx context.Context, agentID string) ([]store.KBSource, error)
	ListStaleSources(ctx context.Context, before time.Time) ([]store.KBSource, error)
	TransitionSource(ctx context.Context, sourceID, from, to string) (bool, error)
	CompleteSource(ctx context.Context, sourceID string, chunkCount, tokenCount int) (bool, error)
	FailSource(ctx context.Context, sourceID, message string) (bool, error)
	DeleteSource(ctx context.Context, agentID, sourceID string) error
	ReplaceChunks(ctx context.Context, sourceID string, chunks []store.KBChunk) error
	DeleteChunks(ctx context.Context, sourceID string) error
	SourceStatusCounts(ctx context.Context, agentID string) ([]store.KBStatusCount, error)
}

type Objects interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Vectors interface {
	Dimensions() int
	Upsert(ctx context.Context, points []vector.Point) error
	Search(ctx context.Context, agentID string, vec []float32, topK int, threshold float32) ([]vector.Match, error)
	DeleteBySource(ctx context.Context, sourceID string) error
	DeleteByAgent(ctx context.Context, agentID string) error
}

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type KeywordIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	ReplaceSource(sourceID string, records []search.ChunkRecord)
	DeleteSource(sourceID string)
	DeleteAgent(agentID string)
}

// Limits enforces plan quotas before a source is accepted.
type Limits interface {
	CheckSources(ctx context.Context, workspaceID string, addBytes int64) error
}

type Config struct {
	Chunk          Options
	MaxUploadBytes int64
	TopK           int
	Threshold      float64
}

type Deps struct {
	Store    Store
	Objects  Objects
	Vectors  Vectors
	Embedder Embedder
	Queue    Queue
	Keywords KeywordIndex
	Limits   Limits
}

type Service struct {
	cfg Config
	Deps
	log *zap.SugaredLogger
}

func NewService(cfg Config, deps Deps, log *zap.SugaredLogger) (*Service, error) {
	if err := cfg.Chunk.Validate(); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("search threshold %.2f outside [0,1]", cfg.Threshold)
	}
	return &Service{cfg: cfg, Deps: deps, log: log}, nil
}

// AddResult is a created source, or the existing one when the upload
// duplicates a source already held by the agent.
type AddResult struct {
	Source    store.KBSource
	Duplicate bool
}

type FileInput struct {
	WorkspaceID string
	AgentID     string
	CreatedBy   string
	FileName    string
	Title       string
	Data        []byte
}

func (s *Service) AddFileSource(ctx context.Context, in FileInput) (AddResult, error) {
	format, err := ValidateFile(in.FileName, in.Data, s.cfg.MaxUploadBytes)
	if err != nil {
		return AddResult{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = TitleFromName(in.FileName)
	}
	return s.addSource(ctx, store.KBSource{
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		Kind:        store.SourceKindFile,
		Title:       title,
		FileName:    in.FileName,
		ContentType: format.ContentType(),
		CreatedBy:   in.CreatedBy,
	}, in.Data)
}

type TextInput struct {
	WorkspaceID string
	AgentID     string
	CreatedBy   string
	Title       string
	Text        string
}

func (s *Service) AddTextSource(ctx context.Context, in TextInput) (AddResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return AddResult{}, fmt.Errorf("%w: title is required", ErrInvalidFile)
	}
	data := []byte(in.Text)
	if _, err := ValidateFile(textSourceFile, data, s.cfg.MaxUploadBytes); err != nil {
		return AddResult{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return AddResult{}, fmt.Errorf("%w: text is empty", ErrInvalidFile)
	}
	return s.addSource(ctx, store.KBSource{
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		Kind:        store.SourceKindText,
		Title:       title,
		FileName:    textSourceFile,
		ContentType: FormatText.ContentType(),
		CreatedBy:   in.CreatedBy,
	}, data)
}

func (s *Service) addSource(ctx context.Context, src store.KBSource, data []byte) (AddResult, error) {
	src.Checksum = Checksum(data)
	src.SizeBytes = int64(len(data))

	if existing, ok, err := s.existingSource(ctx, src.AgentID, src.Checksum); err != nil || ok {
		return existing, err
	}

	if s.Limits != nil {
		if err := s.Limits.CheckSources(ctx, src.WorkspaceID, src.SizeBytes); err != nil {
			return AddResult{}, err
		}
	}

	src.ID = util.NewID("src")
	src.Status = string(StatusPending)
	src.ObjectKey = objectstore.Key(src.WorkspaceID, src.AgentID, src.ID, src.FileName)
	if err := s.Objects.Put(ctx, src.ObjectKey, bytes.NewReader(data), src.SizeBytes, src.ContentType); err != nil {
		return AddResult{}, fmt.Errorf("store source object: %w", err)
	}

	if err := s.Store.InsertSource(ctx, src); err != nil {
		s.removeObject(ctx, src.ObjectKey)
		if errors.Is(err, store.ErrConflict) {
			// A concurrent upload of the same content won the insert.
			existing, _, lookupErr := s.existingSource(ctx, src.AgentID, src.Checksum)
			if lookupErr != nil {
				return AddResult{}, lookupErr
			}
			return existing, nil
		}
		return AddResult{}, err
	}

	saved, err := s.Store.GetSource(ctx, src.ID)
	if err != nil {
		return AddResult{}, fmt.Errorf("reload source: %w", err)
	}
	s.enqueue(ctx, saved.ID, 0)
	s.log.Infow("kb source accepted", "source", saved.ID, "agent", saved.AgentID, "bytes", saved.SizeBytes, "kind", saved.Kind)
	return AddResult{Source: saved}, nil
}

// existingSource reports a duplicate upload. Failed duplicates are re-queued
// so re-uploading a file is a way to retry it.
func (s *Service) existingSource(ctx context.Context, agentID, checksum string) (AddResult, bool, error) {
	existing, err := s.Store.FindSourceByChecksum(ctx, agentID, checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return AddResult{}, false, nil
	}
	if err != nil {
		return AddResult{}, false, fmt.Errorf("lookup source checksum: %w", err)
	}
	if Status(existing.Status) == StatusFailed {
		requeued, err := s.requeue(ctx, existing, 0)
		if err != nil {
			return AddResult{}, false, err
		}
		existing = requeued
	}
	return AddResult{Source: existing, Duplicate: true}, true, nil
}

func (s *Service) GetSource(ctx context.Context, agentID, sourceID string) (store.KBSource, error) {
	return s.Store.GetAgentSource(ctx, agentID, sourceID)
}

// SourceStatus is the lightweight polling view of a source.
type SourceStatus struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ChunkCount  int        `json:"chunkCount"`
	TokenCount  int        `json:"tokenCount"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Done        bool       `json:"done"`
}

func (s *Service) SourceStatus(ctx context.Context, agentID, sourceID string) (SourceStatus, error) {
	src, err := s.Store.GetAgentSource(ctx, agentID, sourceID)
	if err != nil {
		return SourceStatus{}, err
	}
	status := Status(src.Status)
	return SourceStatus{
		ID:          src.ID,
		Status:      status,
		Error:       src.Error,
		ChunkCount:  src.ChunkCount,
		TokenCount:  src.TokenCount,
		UpdatedAt:   src.UpdatedAt,
		ProcessedAt: src.ProcessedAt,
		Done:        status.Terminal(),
	}, nil
}

func (s *Service) ListSources(ctx context.Context, agentID string) ([]store.KBSource, error) {
	return s.Store.ListSources(ctx, agentID)
}

type Summary struct {
	Sources    int `json:"sources"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Ready      int `json:"ready"`
	Failed     int `json:"failed"`
	Chunks     int `json:"chunks"`
	Tokens     int `json:"tokens"`
}

func (s *Service) Summary(ctx context.Context, agentID string) (Summary, error) {
	counts, err := s.Store.SourceStatusCounts(ctx, agentID)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, c := range counts {
		sum.Sources += c.Count
		sum.Chunks += c.Chunks
		sum.Tokens += c.Tokens
		switch Status(c.Status) {
		case StatusPending:
			sum.Pending = c.Count
		case StatusProcessing:
			sum.Processing = c.Count
		case StatusReady:
			sum.Ready = c.Count
		case StatusFailed:
			sum.Failed = c.Count
		}
	}
	return sum, nil
}

// ReprocessSource sends a ready or failed source back through the pipeline.
func (s *Service) ReprocessSource(ctx context.Context, agentID, sourceID string) (store.KBSource, error) {
	src, err := s.Store.GetAgentSource(ctx, agentID, sourceID)
	if err != nil {
		return store.KBSource{}, err
	}
	return s.requeue(ctx, src, 0)
}

func (s *Service) requeue(ctx context.Context, src store.KBSource, attempt int) (store.KBSource, error) {
	from := Status(src.Status)
	if err := CheckTransition(from, StatusPending); err != nil {
		return store.KBSource{}, err
	}
	moved, err := s.Store.TransitionSource(ctx, src.ID, string(from), string(StatusPending))
	if err != nil {
		return store.KBSource{}, err
	}
	if !moved {
		return store.KBSource{}, fmt.Errorf("%w: source %s changed concurrently", ErrInvalidTransition, src.ID)
	}
	s.enqueue(ctx, src.ID, attempt)
	return s.Store.GetSource(ctx, src.ID)
}

// enqueue failures are logged only; RecoverStale picks the source up later.
func (s *Service) enqueue(ctx context.Context, sourceID string, attempt int) {
	if err := s.Queue.Enqueue(ctx, queue.Job{SourceID: sourceID, Attempt: attempt}); err != nil {
		s.log.Errorw("enqueue kb source", "source", sourceID, "error", err)
	}
}

func (s *Service) DeleteSource(ctx context.Context, agentID, sourceID string) error {
	src, err := s.Store.GetAgentSource(ctx, agentID, sourceID)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteSource(ctx, agentID, sourceID); err != nil {
		return err
	}
	if err := s.Vectors.DeleteBySource(ctx, src.ID); err != nil {
		s.log.Warnw("delete source vectors", "source", src.ID, "error", err)
	}
	s.Keywords.DeleteSource(src.ID)
	s.removeObject(ctx, src.ObjectKey)
	s.log.Infow("kb source deleted", "source", src.ID, "agent", agentID)
	return nil
}

// DeleteAgentKnowledge removes everything outside Postgres that belongs to
// the agent. Rows go with the agent through ON DELETE CASCADE.
func (s *Service) DeleteAgentKnowledge(ctx context.Context, agentID string) error {
	sources, err := s.Store.ListSources(ctx, agentID)
	if err != nil {
		return err
	}
	if err := s.Vectors.DeleteByAgent(ctx, agentID); err != nil {
		return fmt.Errorf("delete agent vectors: %w", err)
	}
	s.Keywords.DeleteAgent(agentID)
	for _, src := range sources {
		s.removeObject(ctx, src.ObjectKey)
	}
	return nil
}

func (s *Service) removeObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.Objects.Delete(ctx, key); err != nil {
		s.log.Warnw("delete kb object", "key", key, "error", err)
	}
}

// RecoverStale re-queues sources that have sat in pending or processing
// longer than olderThan, typically after a worker crash or a lost job.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.Store.ListStaleSources(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, src := range stale {
		switch Status(src.Status) {
		case StatusPending:
			s.enqueue(ctx, src.ID, 0)
		case StatusProcessing:
			failed, err := s.Store.FailSource(ctx, src.ID, "processing timed out")
			if err != nil {
				return recovered, err
			}
			if !failed {
				continue
			}
			src.Status = string(StatusFailed)
			if _, err := s.requeue(ctx, src, 0); err != nil {
				return recovered, err
			}
		default:
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.log.Infow("recovered stale kb sources", "count", recovered)
	}
	return recovered, nil
}

type SearchInput struct {
	AgentID   string
	Query     string
	TopK      int
	Threshold *float64
}

type Hit struct {
	ChunkID    string  `json:"chunkId"`
	SourceID   string  `json:"sourceId"`
	ChunkIndex int     `json:"chunkIndex"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

type SearchResult struct {
	Mode string `json:"mode"`
	Hits []Hit  `json:"hits"`
}

// Search embeds the query and returns the agent's most similar chunks, best
// first, dropping anything under the threshold. When embedding or the vector
// index fails it degrades to keyword search.
func (s *Service) Search(ctx context.Context, in SearchInput) (SearchResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return SearchResult{}, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	topK := in.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}
	threshold := s.cfg.Threshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return SearchResult{}, fmt.Errorf("%w: threshold must be within [0,1]", ErrInvalidQuery)
	}

	hits, err := s.vectorSearch(ctx, in.AgentID, query, topK, threshold)
	if err != nil {
		s.log.Warnw("vector search failed, falling back to keyword search", "agent", in.AgentID, "error", err)
		return s.KeywordSearch(ctx, in.AgentID, query, topK)
	}
	return SearchResult{Mode: searchModeVec, Hits: hits}, nil
}

func (s *Service) vectorSearch(ctx context.Context, agentID, query string, topK int, threshold float64) ([]Hit, error) {
	vectors, err := s.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != s.Vectors.Dimensions() {
		return nil, fmt.Errorf("embed query: unexpected vector shape")
	}

	matches, err := s.Vectors.Search(ctx, agentID, vectors[0], topK, float32(threshold))
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		if float64(m.Score) < threshold {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:    m.ChunkID,
			SourceID:   m.SourceID,
			ChunkIndex: m.ChunkIndex,
			Title:      m.Title,
			Content:    m.Content,
			Score:      float64(m.Score),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Service) KeywordSearch(ctx context.Context, agentID, query string, limit int) (SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = s.cfg.TopK
	}
	resp := s.Keywords.Search(ctx, search.Query{Text: query, AgentID: agentID, Limit: limit})
	hits := make([]Hit, 0, len(resp.Results))
	for _, r := range resp.Results {
		hits = append(hits, Hit{
			ChunkID:    r.ChunkID,
			SourceID:   r.SourceID,
			ChunkIndex: r.ChunkIndex,
			Title:      r.Title,
			Content:    r.Content,
			Score:      r.Score,
		})
	}
	return SearchResult{Mode: searchModeWords, Hits: hits}, nil
}

// newChunkID returns the UUID shared by the chunk row and its vector point.
func newChunkID() string {
	return uuid.NewString()
}
