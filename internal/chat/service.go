// Package chat runs retrieval-augmented conversations with an agent.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"cockpit/api/internal/knowledge"
	"cockpit/api/internal/llm"
	"cockpit/api/internal/store"
	"cockpit/api/internal/util"
	"go.uber.org/zap"
)

const (
	historyLimit   = 10
	maxTitleRunes  = 60
	maxContentSize = 8000
	untitled       = ""
)

var ErrInvalidMessage = errors.New("invalid message")

type Store interface {
	InsertConversation(ctx context.Context, c store.Conversation) error
	GetConversation(ctx context.Context, agentID, conversationID string) (store.Conversation, error)
	ListConversations(ctx context.Context, agentID, userID string) ([]store.Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, agentID, conversationID string) error
	InsertMessage(ctx context.Context, m store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

type Retriever interface {
	Search(ctx context.Context, in knowledge.SearchInput) (knowledge.SearchResult, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, model string, temperature float64) (string, error)
}

type Quota interface {
	CheckMessages(ctx context.Context, workspaceID string) error
}

type Service struct {
	store        Store
	kb           Retriever
	llm          Completer
	quota        Quota
	defaultModel string
	log          *zap.SugaredLogger
}

func NewService(s Store, kb Retriever, completer Completer, quota Quota, defaultModel string, log *zap.SugaredLogger) *Service {
	return &Service{store: s, kb: kb, llm: completer, quota: quota, defaultModel: defaultModel, log: log}
}

// Viewer is who is looking at conversations. With SeesAll every conversation
// of the agent is visible, otherwise only the viewer's own.
type Viewer struct {
	UserID  string
	SeesAll bool
}

func (s *Service) StartConversation(ctx context.Context, agent store.Agent, userID, title string) (store.Conversation, error) {
	conv := store.Conversation{
		ID:          util.NewID("conv"),
		WorkspaceID: agent.WorkspaceID,
		AgentID:     agent.ID,
		UserID:      userID,
		Title:       clip(strings.TrimSpace(title), maxTitleRunes),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		return store.Conversation{}, err
	}
	return s.store.GetConversation(ctx, agent.ID, conv.ID)
}

func (s *Service) ListConversations(ctx context.Context, agentID string, viewer Viewer) ([]store.Conversation, error) {
	userID := viewer.UserID
	if viewer.SeesAll {
		userID = ""
	}
	return s.store.ListConversations(ctx, agentID, userID)
}

// GetConversation hides conversations the viewer may not see behind
// sql.ErrNoRows.
func (s *Service) GetConversation(ctx context.Context, agentID, conversationID string, viewer Viewer) (store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, agentID, conversationID)
	if err != nil {
		return store.Conversation{}, err
	}
	if !viewer.SeesAll && conv.UserID != viewer.UserID {
		return store.Conversation{}, sql.ErrNoRows
	}
	return conv, nil
}

func (s *Service) Messages(ctx context.Context, conv store.Conversation) ([]store.Message, error) {
	return s.store.ListMessages(ctx, conv.ID, 0)
}

func (s *Service) DeleteConversation(ctx context.Context, conv store.Conversation) error {
	return s.store.DeleteConversation(ctx, conv.AgentID, conv.ID)
}

type Reply struct {
	Question  store.Message
	Answer    store.Message
	Retrieval string
}

// SendMessage stores the user's message, answers it with the agent's model
// grounded on the agent's knowledge base and stores the answer with its
// citations.
func (s *Service) SendMessage(ctx context.Context, agent store.Agent, conv store.Conversation, content string) (Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if len(content) > maxContentSize {
		return Reply{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, maxContentSize)
	}
	if s.quota != nil {
		if err := s.quota.CheckMessages(ctx, conv.WorkspaceID); err != nil {
			return Reply{}, err
		}
	}

	question := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Role:           "user",
		Content:        content,
	}
	if err := s.store.InsertMessage(ctx, question); err != nil {
		return Reply{}, err
	}
	if conv.Title == untitled {
		if err := s.store.UpdateConversationTitle(ctx, conv.ID, titleFrom(content)); err != nil {
			s.log.Warnw("title conversation", "conversation", conv.ID, "error", err)
		}
	}

	history, err := s.store.ListMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		return Reply{}, err
	}

	var hits []knowledge.Hit
	mode := ""
	result, err := s.kb.Search(ctx, knowledge.SearchInput{AgentID: agent.ID, Query: content})
	if err != nil {
		s.log.Warnw("knowledge retrieval failed, answering without context", "agent", agent.ID, "error", err)
	} else {
		hits, mode = result.Hits, result.Mode
	}

	model := agent.Model
	if model == "" {
		model = s.defaultModel
	}
	text, err := s.llm.Complete(ctx, BuildPrompt(agent, hits, history), model, agent.Temperature)
	if err != nil {
		return Reply{}, fmt.Errorf("complete chat: %w", err)
	}

	answer := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Role:           "assistant",
		Content:        strings.TrimSpace(text),
		Citations:      citations(hits),
	}
	if err := s.store.InsertMessage(ctx, answer); err != nil {
		return Reply{}, err
	}
	s.log.Infow("chat reply", "conversation", conv.ID, "agent", agent.ID, "context", len(hits), "retrieval", mode)
	return Reply{Question: question, Answer: answer, Retrieval: mode}, nil
}

// BuildPrompt lays out the system prompt, the numbered knowledge excerpts
// and the recent history, oldest first.
func BuildPrompt(agent store.Agent, hits []knowledge.Hit, history []store.Message) []llm.Message {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(agent.SystemPrompt))
	if len(hits) > 0 {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("Use the knowledge base excerpts below when they are relevant and cite them as [n]. ")
		sys.WriteString("If they do not answer the question, say so instead of guessing.\n")
		for i, h := range hits {
			fmt.Fprintf(&sys, "\n[%d] %s\n%s\n", i+1, h.Title, strings.TrimSpace(h.Content))
		}
	}

	messages := make([]llm.Message, 0, len(history)+1)
	if sys.Len() > 0 {
		messages = append(messages, llm.Message{Role: "system", Content: sys.String()})
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

func citations(hits []knowledge.Hit) []store.Citation {
	out := make([]store.Citation, 0, len(hits))
	for _, h := range hits {
		out = append(out, store.Citation{
			SourceID:   h.SourceID,
			ChunkID:    h.ChunkID,
			ChunkIndex: h.ChunkIndex,
			Title:      h.Title,
			Score:      h.Score,
		})
	}
	return out
}

func titleFrom(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	return clip(strings.Join(strings.Fields(line), " "), maxTitleRunes)
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
