package app

import (
	"context"
	"net/http"
)

func requireSuperAdmin(session Session) error {
	if !session.SuperAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Super admin access required", nil)
	}
	return nil
}

func (s *Service) AdminListWorkspaces(ctx context.Context, session Session, limit, offset int) ([]map[string]any, error) {
	if err := requireSuperAdmin(session); err != nil {
		return nil, err
	}
	overviews, err := s.store.ListWorkspaceOverviews(ctx, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(overviews))
	for _, o := range overviews {
		payload := workspacePayload(o.Workspace, "")
		payload["ownerEmail"] = o.OwnerEmail
		payload["usage"] = usagePayload(o.Usage)
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) AdminChangePlan(ctx context.Context, session Session, workspaceID, code string) (map[string]any, error) {
	if err := requireSuperAdmin(session); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.changePlan(ctx, session, workspaceID, code)
}

func (s *Service) AdminListUsers(ctx context.Context, session Session, limit, offset int) ([]map[string]any, error) {
	if err := requireSuperAdmin(session); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, userPayload(u))
	}
	return items, nil
}

// AdminListAudit reads the audit log across every workspace.
func (s *Service) AdminListAudit(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if err := requireSuperAdmin(session); err != nil {
		return nil, err
	}
	entries, err := s.store.ListAudit(ctx, "", clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return auditPayloads(entries), nil
}

// AdminRecoverIngestion re-queues sources stuck in processing for longer
// than the configured stale window.
func (s *Service) AdminRecoverIngestion(ctx context.Context, session Session) (int, error) {
	if err := requireSuperAdmin(session); err != nil {
		return 0, err
	}
	recovered, err := s.knowledge.RecoverStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, "", session.UserID, "kb.recovered", "kb_source", "", map[string]any{"count": recovered})
	return recovered, nil
}
