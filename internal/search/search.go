// Package search provides keyword search over knowledge-base chunks.
package search

// Result is a single keyword hit.
type Result struct {
	ChunkID    string  `json:"chunkId"`
	SourceID   string  `json:"sourceId"`
	ChunkIndex int     `json:"chunkIndex"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Query describes a keyword search scoped to one agent.
type Query struct {
	Text    string
	AgentID string
	Limit   int
	Offset  int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// ChunkRecord is the document pushed to the keyword index.
type ChunkRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId"`
	SourceID    string `json:"sourceId"`
	ChunkIndex  int    `json:"chunkIndex"`
	Title       string `json:"title"`
	Content     string `json:"content"`
}
