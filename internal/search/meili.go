package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxChunks = "cockpit_kb_chunks"

// Meili indexes KB chunks in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.SugaredLogger
}

// NewMeili creates a client and configures the chunk index. The service
// starts unhealthy when Meilisearch is unreachable and recovers in the
// background.
func NewMeili(url, apiKey string, log *zap.SugaredLogger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := m.client.Health(); err != nil {
		log.Warnw("meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxChunks, PrimaryKey: "id"}); err != nil {
		m.log.Debugw("create index (may already exist)", "index", idxChunks, "error", err)
	}

	index := m.client.Index(idxChunks)
	filterable := []interface{}{"workspaceId", "agentId", "sourceId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warnw("update filterable attributes", "index", idxChunks, "error", err)
	}
	searchable := []string{"content", "title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warnw("update searchable attributes", "index", idxChunks, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	resp, err := m.client.Index(idxChunks).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		Filter:                fmt.Sprintf("agentId = %q", q.AgentID),
		AttributesToHighlight: []string{"content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            40,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ChunkID:  decodeString(hit, "id"),
		SourceID: decodeString(hit, "sourceId"),
		Title:    decodeString(hit, "title"),
		Content:  decodeString(hit, "content"),
	}
	if raw, ok := hit["chunkIndex"]; ok {
		_ = json.Unmarshal(raw, &r.ChunkIndex)
	}
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &r.Score)
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), r.Content)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexChunks(records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChunks).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteWhere(field, value string) error {
	_, err := m.client.Index(idxChunks).DeleteDocumentsByFilter(fmt.Sprintf("%s = %q", field, value), nil)
	return err
}
