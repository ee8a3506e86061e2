package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const conversationColumns = `id, workspace_id, agent_id, user_id, title, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.AgentID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) InsertConversation(ctx context.Context, c Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, agent_id, user_id, title)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.WorkspaceID, c.AgentID, c.UserID, c.Title)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, agentID, conversationID string) (Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE agent_id=$1 AND id=$2
	`, agentID, conversationID))
}

// ListConversations lists an agent's conversations; an empty userID lists all.
func (s *PostgresStore) ListConversations(ctx context.Context, agentID, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE agent_id=$1 AND ($2 = '' OR user_id = $2)
		ORDER BY updated_at DESC
	`, agentID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET title=$2, updated_at=NOW() WHERE id=$1`, conversationID, title)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, agentID, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE agent_id=$1 AND id=$2`, agentID, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return expectRow(result)
}

// InsertMessage stores the message and bumps the conversation's updated_at.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	citations := m.Citations
	if citations == nil {
		citations = []Citation{}
	}
	payload, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, workspace_id, role, content, citations)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, m.ID, m.ConversationID, m.WorkspaceID, m.Role, m.Content, string(payload)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, m.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages in chronological order.
// A non-positive limit returns the whole conversation.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, workspace_id, role, content, citations, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var raw []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.WorkspaceID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Citations); err != nil {
				return nil, fmt.Errorf("decode citations: %w", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
