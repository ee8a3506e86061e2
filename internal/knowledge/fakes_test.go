package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"cockpit/api/internal/queue"
	"cockpit/api/internal/search"
	"cockpit/api/internal/store"
	"cockpit/api/internal/vector"
)

type memStore struct {
	mu      sync.Mutex
	sources map[string]store.KBSource
	chunks  map[string][]store.KBChunk
}

func newMemStore() *memStore {
	return &memStore{sources: map[string]store.KBSource{}, chunks: map[string][]store.KBChunk{}}
}

func (m *memStore) InsertSource(_ context.Context, src store.KBSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sources {
		if existing.AgentID == src.AgentID && existing.Checksum == src.Checksum {
			return store.ErrConflict
		}
	}
	src.CreatedAt = time.Now()
	src.UpdatedAt = src.CreatedAt
	m.sources[src.ID] = src
	return nil
}

func (m *memStore) GetSource(_ context.Context, id string) (store.KBSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return store.KBSource{}, sql.ErrNoRows
	}
	return src, nil
}

func (m *memStore) GetAgentSource(ctx context.Context, agentID, id string) (store.KBSource, error) {
	src, err := m.GetSource(ctx, id)
	if err != nil || src.AgentID != agentID {
		return store.KBSource{}, sql.ErrNoRows
	}
	return src, nil
}

func (m *memStore) FindSourceByChecksum(_ context.Context, agentID, checksum string) (store.KBSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.AgentID == agentID && src.Checksum == checksum {
			return src, nil
		}
	}
	return store.KBSource{}, sql.ErrNoRows
}

func (m *memStore) ListSources(_ context.Context, agentID string) ([]store.KBSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.KBSource{}
	for _, src := range m.sources {
		if src.AgentID == agentID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListStaleSources(_ context.Context, before time.Time) ([]store.KBSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.KBSource{}
	for _, src := range m.sources {
		if (src.Status == "pending" || src.Status == "processing") && src.UpdatedAt.Before(before) {
			out = append(out, src)
		}
	}
	return out, nil
}

func (m *memStore) TransitionSource(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != from {
		return false, nil
	}
	src.Status = to
	if to == "pending" {
		src.Error = ""
	}
	src.UpdatedAt = time.Now()
	m.sources[id] = src
	return true, nil
}

func (m *memStore) CompleteSource(_ context.Context, id string, chunks, tokens int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != "processing" {
		return false, nil
	}
	now := time.Now()
	src.Status, src.Error, src.ChunkCount, src.TokenCount, src.ProcessedAt = "ready", "", chunks, tokens, &now
	m.sources[id] = src
	return true, nil
}

func (m *memStore) FailSource(_ context.Context, id, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.Status != "processing" {
		return false, nil
	}
	src.Status, src.Error, src.ChunkCount, src.TokenCount = "failed", message, 0, 0
	m.sources[id] = src
	return true, nil
}

func (m *memStore) DeleteSource(_ context.Context, agentID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok || src.AgentID != agentID {
		return sql.ErrNoRows
	}
	delete(m.sources, id)
	delete(m.chunks, id)
	return nil
}

func (m *memStore) ReplaceChunks(_ context.Context, id string, chunks []store.KBChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[id] = chunks
	return nil
}

func (m *memStore) DeleteChunks(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
	return nil
}

func (m *memStore) SourceStatusCounts(_ context.Context, agentID string) ([]store.KBStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := map[string]*store.KBStatusCount{}
	for _, src := range m.sources {
		if src.AgentID != agentID {
			continue
		}
		c := byStatus[src.Status]
		if c == nil {
			c = &store.KBStatusCount{Status: src.Status}
			byStatus[src.Status] = c
		}
		c.Count++
		c.Chunks += src.ChunkCount
		c.Tokens += src.TokenCount
	}
	out := []store.KBStatusCount{}
	for _, c := range byStatus {
		out = append(out, *c)
	}
	return out, nil
}

// setStatus forces a status for test setup.
func (m *memStore) setStatus(id, status string, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.sources[id]
	src.Status = status
	src.UpdatedAt = updatedAt
	m.sources[id] = src
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type memVectors struct {
	mu        sync.Mutex
	dims      int
	points    map[string]vector.Point
	searchErr error
	matches   []vector.Match
}

func newMemVectors(dims int) *memVectors {
	return &memVectors{dims: dims, points: map[string]vector.Point{}}
}

func (m *memVectors) Dimensions() int { return m.dims }

func (m *memVectors) Upsert(_ context.Context, points []vector.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memVectors) Search(_ context.Context, agentID string, _ []float32, topK int, _ float32) ([]vector.Match, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.matches, nil
}

func (m *memVectors) DeleteBySource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.SourceID == sourceID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memVectors) DeleteByAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.AgentID == agentID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memVectors) count(sourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.points {
		if p.SourceID == sourceID {
			n++
		}
	}
	return n
}

type embedFunc func(ctx context.Context, inputs []string) ([][]float32, error)

func (f embedFunc) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return f(ctx, inputs)
}

func fixedEmbedder(dims int) embedFunc {
	return func(_ context.Context, inputs []string) ([][]float32, error) {
		out := make([][]float32, len(inputs))
		for i := range inputs {
			out[i] = make([]float32, dims)
			out[i][0] = 1
		}
		return out, nil
	}
}

type memQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *memQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) all() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type memKeywords struct {
	mu       sync.Mutex
	records  map[string][]search.ChunkRecord
	response search.Response
	queries  []search.Query
}

func newMemKeywords() *memKeywords {
	return &memKeywords{records: map[string][]search.ChunkRecord{}}
}

func (k *memKeywords) Search(_ context.Context, q search.Query) search.Response {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queries = append(k.queries, q)
	return k.response
}

func (k *memKeywords) ReplaceSource(sourceID string, records []search.ChunkRecord) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.records[sourceID] = records
}

func (k *memKeywords) DeleteSource(sourceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.records, sourceID)
}

func (k *memKeywords) DeleteAgent(agentID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, records := range k.records {
		if len(records) > 0 && records[0].AgentID == agentID {
			delete(k.records, id)
		}
	}
}

type limitsFunc func(ctx context.Context, workspaceID string, addBytes int64) error

func (f limitsFunc) CheckSources(ctx context.Context, workspaceID string, addBytes int64) error {
	return f(ctx, workspaceID, addBytes)
}
