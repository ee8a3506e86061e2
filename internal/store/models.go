package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Plan struct {
	Code            string
	Name            string
	PriceCents      int
	MaxMembers      int
	MaxAgents       int
	MaxSources      int
	MaxStorageBytes int64
	MonthlyMessages int
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	PlanCode  string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkspaceMembership is a workspace as seen by one of its members.
type WorkspaceMembership struct {
	Workspace
	Role string
}

type Member struct {
	WorkspaceID string
	UserID      string
	Name        string
	Email       string
	Role        string
	CreatedAt   time.Time
}

type Usage struct {
	Members           int
	Agents            int
	Sources           int
	StorageBytes      int64
	MessagesThisMonth int
}

type Agent struct {
	ID           string
	WorkspaceID  string
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Temperature  float64
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	SourceKindFile = "file"
	SourceKindText = "text"
)

type KBSource struct {
	ID          string
	WorkspaceID string
	AgentID     string
	Kind        string
	Title       string
	FileName    string
	ContentType string
	ObjectKey   string
	SizeBytes   int64
	Checksum    string
	Status      string
	Error       string
	ChunkCount  int
	TokenCount  int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

type KBChunk struct {
	ID          string
	SourceID    string
	AgentID     string
	WorkspaceID string
	ChunkIndex  int
	Content     string
	TokenCount  int
	Checksum    string
	CreatedAt   time.Time
}

// KBStatusCount is one row of the per-agent status breakdown.
type KBStatusCount struct {
	Status string
	Count  int
	Chunks int
	Tokens int
}

// ChunkMatch is a keyword hit over kb_chunks.
type ChunkMatch struct {
	ChunkID    string
	SourceID   string
	ChunkIndex int
	Title      string
	Content    string
	Rank       float64
}

type Conversation struct {
	ID          string
	WorkspaceID string
	AgentID     string
	UserID      string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Citation struct {
	SourceID   string  `json:"sourceId"`
	ChunkID    string  `json:"chunkId"`
	ChunkIndex int     `json:"chunkIndex"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
}

type Message struct {
	ID             string
	ConversationID string
	WorkspaceID    string
	Role           string
	Content        string
	Citations      []Citation
	CreatedAt      time.Time
}

type AuditEntry struct {
	ID           int64
	WorkspaceID  string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
	CreatedAt    time.Time
}

// WorkspaceOverview is the back-office listing row.
type WorkspaceOverview struct {
	Workspace
	Usage
	OwnerEmail string
}
