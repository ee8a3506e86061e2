package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const workspaceColumns = `w.id, w.name, w.slug, w.plan_code, w.created_by, w.created_at, w.updated_at`

func scanWorkspace(row interface{ Scan(...any) error }, extra ...any) (Workspace, error) {
	var ws Workspace
	dest := append([]any{&ws.ID, &ws.Name, &ws.Slug, &ws.PlanCode, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	return ws, err
}

// CreateWorkspace inserts the workspace and its owner membership atomically.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workspace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug, plan_code, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, ws.ID, ws.Name, ws.Slug, ws.PlanCode, ownerID); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role)
		VALUES ($1, $2, 'owner')
	`, ws.ID, ownerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workspace tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE slug=$1)`, slug).Scan(&exists); err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.id=$1`, workspaceID))
}

func (s *PostgresStore) ListUserWorkspaces(ctx context.Context, userID string) ([]WorkspaceMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workspaceColumns+`, wm.role
		FROM workspaces w
		JOIN workspace_memberships wm ON wm.workspace_id = w.id
		WHERE wm.user_id = $1
		ORDER BY w.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceMembership, 0)
	for rows.Next() {
		var item WorkspaceMembership
		ws, err := scanWorkspace(rows, &item.Role)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		item.Workspace = ws
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateWorkspaceName(ctx context.Context, workspaceID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces SET name=$2, updated_at=NOW() WHERE id=$1`, workspaceID, name)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return expectRow(result)
}

func (s *PostgresStore) UpdateWorkspacePlan(ctx context.Context, workspaceID, planCode string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces SET plan_code=$2, updated_at=NOW() WHERE id=$1`, workspaceID, planCode)
	if err != nil {
		return fmt.Errorf("update workspace plan: %w", err)
	}
	return expectRow(result)
}

// GetMemberRole returns sql.ErrNoRows when the user is not a member.
func (s *PostgresStore) GetMemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_memberships WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wm.workspace_id, u.id, u.name, u.email, wm.role, wm.created_at
		FROM workspace_memberships wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1
		ORDER BY u.name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Name, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
	`, workspaceID, userID, role)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, workspaceID, userID, role string) error {
	return s.changeMembership(ctx, workspaceID, userID, role != "owner", func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE workspace_memberships SET role=$3 WHERE workspace_id=$1 AND user_id=$2
		`, workspaceID, userID, role)
	})
}

func (s *PostgresStore) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	return s.changeMembership(ctx, workspaceID, userID, true, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			DELETE FROM workspace_memberships WHERE workspace_id=$1 AND user_id=$2
		`, workspaceID, userID)
	})
}

// changeMembership applies change while holding the workspace's owner rows,
// so concurrent demotions cannot both see a second owner. It returns
// ErrLastOwner when dropsOwner would strip the only remaining owner.
func (s *PostgresStore) changeMembership(ctx context.Context, workspaceID, userID string, dropsOwner bool, change func(*sql.Tx) (sql.Result, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin membership tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if dropsOwner {
		rows, err := tx.QueryContext(ctx, `
			SELECT user_id FROM workspace_memberships
			WHERE workspace_id=$1 AND role='owner'
			ORDER BY user_id
			FOR UPDATE
		`, workspaceID)
		if err != nil {
			return fmt.Errorf("lock owners: %w", err)
		}
		owners := 0
		targetIsOwner := false
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan owner: %w", err)
			}
			owners++
			if id == userID {
				targetIsOwner = true
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close owners: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate owners: %w", err)
		}
		if targetIsOwner && owners <= 1 {
			return ErrLastOwner
		}
	}

	result, err := change(tx)
	if err != nil {
		return fmt.Errorf("change membership: %w", err)
	}
	if err := expectRow(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit membership tx: %w", err)
	}
	return nil
}

const planColumns = `code, name, price_cents, max_members, max_agents, max_sources, max_storage_bytes, monthly_messages`

func scanPlan(row interface{ Scan(...any) error }) (Plan, error) {
	var p Plan
	err := row.Scan(&p.Code, &p.Name, &p.PriceCents, &p.MaxMembers, &p.MaxAgents, &p.MaxSources, &p.MaxStorageBytes, &p.MonthlyMessages)
	return p, err
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY sort_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) GetPlan(ctx context.Context, code string) (Plan, error) {
	return scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE code=$1`, code))
}

func (s *PostgresStore) GetWorkspacePlan(ctx context.Context, workspaceID string) (Plan, error) {
	return scanPlan(s.db.QueryRowContext(ctx, `
		SELECT p.code, p.name, p.price_cents, p.max_members, p.max_agents, p.max_sources, p.max_storage_bytes, p.monthly_messages
		FROM workspaces w
		JOIN plans p ON p.code = w.plan_code
		WHERE w.id = $1
	`, workspaceID))
}

const usageSelect = `
	(SELECT COUNT(*) FROM workspace_memberships WHERE workspace_id = w.id),
	(SELECT COUNT(*) FROM agents WHERE workspace_id = w.id),
	(SELECT COUNT(*) FROM kb_sources WHERE workspace_id = w.id),
	(SELECT COALESCE(SUM(size_bytes), 0) FROM kb_sources WHERE workspace_id = w.id),
	(SELECT COUNT(*) FROM messages WHERE workspace_id = w.id AND role = 'user' AND created_at >= date_trunc('month', NOW()))
`

func (s *PostgresStore) WorkspaceUsage(ctx context.Context, workspaceID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `SELECT `+usageSelect+` FROM workspaces w WHERE w.id=$1`, workspaceID).
		Scan(&u.Members, &u.Agents, &u.Sources, &u.StorageBytes, &u.MessagesThisMonth)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Usage{}, err
		}
		return Usage{}, fmt.Errorf("workspace usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListWorkspaceOverviews(ctx context.Context, limit, offset int) ([]WorkspaceOverview, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workspaceColumns+`, `+usageSelect+`, COALESCE(u.email, '')
		FROM workspaces w
		LEFT JOIN users u ON u.id = w.created_by
		ORDER BY w.created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workspace overviews: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceOverview, 0)
	for rows.Next() {
		var item WorkspaceOverview
		ws, err := scanWorkspace(rows,
			&item.Members, &item.Agents, &item.Sources, &item.StorageBytes, &item.MessagesThisMonth, &item.OwnerEmail)
		if err != nil {
			return nil, fmt.Errorf("scan workspace overview: %w", err)
		}
		item.Workspace = ws
		items = append(items, item)
	}
	return items, rows.Err()
}
