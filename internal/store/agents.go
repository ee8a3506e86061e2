package store

import (
	"context"
	"fmt"
)

const agentColumns = `id, workspace_id, name, description, system_prompt, model, temperature, created_by, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Description, &a.SystemPrompt, &a.Model, &a.Temperature, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *PostgresStore) InsertAgent(ctx context.Context, agent Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, workspace_id, name, description, system_prompt, model, temperature, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, agent.ID, agent.WorkspaceID, agent.Name, agent.Description, agent.SystemPrompt, agent.Model, agent.Temperature, agent.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent scopes the lookup to the workspace so ids from another tenant miss.
func (s *PostgresStore) GetAgent(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE workspace_id=$1 AND id=$2
	`, workspaceID, agentID))
}

func (s *PostgresStore) ListAgents(ctx context.Context, workspaceID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE workspace_id=$1 ORDER BY name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent Agent) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name=$3, description=$4, system_prompt=$5, model=$6, temperature=$7, updated_at=NOW()
		WHERE workspace_id=$1 AND id=$2
	`, agent.WorkspaceID, agent.ID, agent.Name, agent.Description, agent.SystemPrompt, agent.Model, agent.Temperature)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return expectRow(result)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE workspace_id=$1 AND id=$2`, workspaceID, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectRow(result)
}
