package app

import (
	"context"
	"net/http"

	"cockpit/api/internal/chat"
	"cockpit/api/internal/export"
	"cockpit/api/internal/rbac"
	"cockpit/api/internal/store"
)

// viewer decides which conversations of an agent the caller may see.
// Workspace admins and owners see everyone's.
func viewer(session Session, role rbac.Role) chat.Viewer {
	return chat.Viewer{UserID: session.UserID, SeesAll: rbac.Rank(role) >= rbac.Rank(rbac.RoleAdmin)}
}

func (s *Service) StartConversation(ctx context.Context, session Session, workspaceID, agentID, title string) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionChat)
	if err != nil {
		return nil, err
	}
	conv, err := s.chat.StartConversation(ctx, agent, session.UserID, title)
	if err != nil {
		return nil, err
	}
	return conversationPayload(conv), nil
}

func (s *Service) ListConversations(ctx context.Context, session Session, workspaceID, agentID string) ([]map[string]any, error) {
	agent, role, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionChat)
	if err != nil {
		return nil, err
	}
	convs, err := s.chat.ListConversations(ctx, agent.ID, viewer(session, role))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		items = append(items, conversationPayload(c))
	}
	return items, nil
}

func (s *Service) resolveConversation(ctx context.Context, session Session, workspaceID, agentID, conversationID string) (store.Agent, store.Conversation, error) {
	agent, role, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionChat)
	if err != nil {
		return store.Agent{}, store.Conversation{}, err
	}
	conv, err := s.chat.GetConversation(ctx, agent.ID, conversationID, viewer(session, role))
	if err != nil {
		return store.Agent{}, store.Conversation{}, err
	}
	return agent, conv, nil
}

func (s *Service) GetConversation(ctx context.Context, session Session, workspaceID, agentID, conversationID string) (map[string]any, error) {
	_, conv, err := s.resolveConversation(ctx, session, workspaceID, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chat.Messages(ctx, conv)
	if err != nil {
		return nil, err
	}
	payload := conversationPayload(conv)
	payload["messages"] = messagePayloads(messages)
	return payload, nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, workspaceID, agentID, conversationID string) ([]map[string]any, error) {
	_, conv, err := s.resolveConversation(ctx, session, workspaceID, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chat.Messages(ctx, conv)
	if err != nil {
		return nil, err
	}
	return messagePayloads(messages), nil
}

func messagePayloads(messages []store.Message) []map[string]any {
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, messagePayload(m))
	}
	return items
}

// SendMessage posts into the caller's own conversation. Admins can read other
// members' conversations but not write into them.
func (s *Service) SendMessage(ctx context.Context, session Session, workspaceID, agentID, conversationID, content string) (map[string]any, error) {
	agent, conv, err := s.resolveConversation(ctx, session, workspaceID, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != session.UserID {
		return nil, domainError(http.StatusForbidden, "NOT_CONVERSATION_OWNER", "Only the conversation owner can post messages", nil)
	}
	reply, err := s.chat.SendMessage(ctx, agent, conv, content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"question":  messagePayload(reply.Question),
		"answer":    messagePayload(reply.Answer),
		"retrieval": reply.Retrieval,
	}, nil
}

func (s *Service) DeleteConversation(ctx context.Context, session Session, workspaceID, agentID, conversationID string) error {
	_, conv, err := s.resolveConversation(ctx, session, workspaceID, agentID, conversationID)
	if err != nil {
		return err
	}
	return s.chat.DeleteConversation(ctx, conv)
}

func (s *Service) ExportConversation(ctx context.Context, session Session, workspaceID, agentID, conversationID, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, err
	}
	agent, conv, err := s.resolveConversation(ctx, session, workspaceID, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chat.Messages(ctx, conv)
	if err != nil {
		return nil, err
	}

	transcript := export.Transcript{
		Title:         conv.Title,
		AgentName:     agent.Name,
		WorkspaceName: ws.Name,
		ExportedBy:    session.UserName,
		ExportedAt:    s.now(),
		Messages:      make([]export.Message, 0, len(messages)),
	}
	for _, m := range messages {
		transcript.Messages = append(transcript.Messages, export.Message{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Sources:   citationTitles(m.Citations),
		})
	}
	return s.exporter.Export(ctx, transcript, format)
}

func citationTitles(citations []store.Citation) []string {
	seen := make(map[string]bool, len(citations))
	var titles []string
	for _, c := range citations {
		if c.Title == "" || seen[c.Title] {
			continue
		}
		seen[c.Title] = true
		titles = append(titles, c.Title)
	}
	return titles
}
