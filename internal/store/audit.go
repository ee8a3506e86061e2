package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	var workspaceID sql.NullString
	if entry.WorkspaceID != "" {
		workspaceID = sql.NullString{String: entry.WorkspaceID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (workspace_id, actor_id, action, resource_type, resource_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, workspaceID, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, string(raw))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit lists newest entries first; an empty workspaceID lists every workspace.
func (s *PostgresStore) ListAudit(ctx context.Context, workspaceID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(workspace_id, ''), actor_id, action, resource_type, resource_id, payload, created_at
		FROM audit_log
		WHERE ($1 = '' OR workspace_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		var raw []byte
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
