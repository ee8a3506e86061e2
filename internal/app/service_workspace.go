package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"cockpit/api/internal/email"
	"cockpit/api/internal/rbac"
	"cockpit/api/internal/store"
	"cockpit/api/internal/util"
)

const (
	defaultPlan        = "free"
	maxWorkspaceName   = 80
	maxSlugSuffixTries = 20
)

func validateWorkspaceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("name is required")
	}
	if utf8.RuneCountInString(name) > maxWorkspaceName {
		return "", validationError(fmt.Sprintf("name must be at most %d characters", maxWorkspaceName))
	}
	return name, nil
}

func (s *Service) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := util.Slugify(name)
	candidate := base
	for i := 2; i <= maxSlugSuffixTries+1; i++ {
		taken, err := s.store.SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return base + "-" + util.NewID("")[:8], nil
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string) (map[string]any, error) {
	name, err := validateWorkspaceName(name)
	if err != nil {
		return nil, err
	}
	slug, err := s.uniqueSlug(ctx, name)
	if err != nil {
		return nil, err
	}
	ws := store.Workspace{
		ID:        util.NewID("ws"),
		Name:      name,
		Slug:      slug,
		PlanCode:  defaultPlan,
		CreatedBy: session.UserID,
	}
	if err := s.store.CreateWorkspace(ctx, ws, session.UserID); err != nil {
		return nil, err
	}
	s.audit(ctx, ws.ID, session.UserID, "workspace.created", "workspace", ws.ID, map[string]any{"name": name})

	created, err := s.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	return workspacePayload(created, string(rbac.RoleOwner)), nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	memberships, err := s.store.ListUserWorkspaces(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		items = append(items, workspacePayload(m.Workspace, m.Role))
	}
	return items, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	payload := workspacePayload(ws, string(role))
	payload["permissions"] = permissions(role)
	return payload, nil
}

func permissions(role rbac.Role) map[string]bool {
	actions := []rbac.Action{
		rbac.ActionRead, rbac.ActionChat, rbac.ActionWrite, rbac.ActionManageKnowledge,
		rbac.ActionManageMembers, rbac.ActionManageBilling, rbac.ActionAdmin,
	}
	out := make(map[string]bool, len(actions))
	for _, a := range actions {
		out[string(a)] = rbac.Can(role, a)
	}
	return out
}

func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID, name string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, workspaceID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	name, err = validateWorkspaceName(name)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateWorkspaceName(ctx, workspaceID, name); err != nil {
		return nil, err
	}
	s.audit(ctx, workspaceID, session.UserID, "workspace.renamed", "workspace", workspaceID, map[string]any{"name": name})
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return workspacePayload(ws, string(role)), nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, memberPayload(m))
	}
	return items, nil
}

func (s *Service) AddMember(ctx context.Context, session Session, workspaceID, emailAddr, role string) (map[string]any, error) {
	actor, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageMembers)
	if err != nil {
		return nil, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return nil, validationError("role is invalid")
	}
	if !rbac.CanAssign(actor, rbac.Role(role)) {
		return nil, domainError(http.StatusForbidden, "ROLE_NOT_ASSIGNABLE", "Role cannot be assigned by the caller", map[string]any{"role": role})
	}

	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" {
		return nil, validationError("email is required")
	}
	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account uses this email", nil)
		}
		return nil, err
	}
	if err := s.billing.CheckMembers(ctx, workspaceID); err != nil {
		return nil, err
	}
	if err := s.store.AddMember(ctx, workspaceID, user.ID, role); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member", nil)
		}
		return nil, err
	}
	s.audit(ctx, workspaceID, session.UserID, "member.added", "user", user.ID, map[string]any{"role": role, "email": user.Email})
	s.notifyMembership(ctx, session, workspaceID, user, role)

	return map[string]any{
		"userId": user.ID,
		"name":   user.Name,
		"email":  user.Email,
		"role":   role,
	}, nil
}

func (s *Service) notifyMembership(ctx context.Context, session Session, workspaceID string, user store.User, role string) {
	if !s.SMTPConfigured() {
		return
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		s.log.Warnw("load workspace for membership email", "workspace", workspaceID, "error", err)
		return
	}
	err = s.mailer.SendMembershipEmail(user.Email, email.MembershipData{
		UserName:      user.Name,
		WorkspaceName: ws.Name,
		Role:          role,
		InvitedBy:     session.UserName,
		WorkspaceURL:  s.cfg.AppURL + "/workspaces/" + ws.ID,
	})
	if err != nil {
		s.log.Warnw("send membership email", "workspace", workspaceID, "user", user.ID, "error", err)
	}
}

var errLastOwner = domainError(http.StatusConflict, "LAST_OWNER", "A workspace must keep at least one owner", nil)

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, workspaceID, userID, role string) (map[string]any, error) {
	actor, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageMembers)
	if err != nil {
		return nil, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Valid(role) {
		return nil, validationError("role is invalid")
	}
	raw, err := s.store.GetMemberRole(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	current := rbac.Normalize(raw)
	if !rbac.CanAssign(actor, current) || !rbac.CanAssign(actor, rbac.Role(role)) {
		return nil, domainError(http.StatusForbidden, "ROLE_NOT_ASSIGNABLE", "Role cannot be assigned by the caller", map[string]any{"role": role})
	}
	if err := s.store.UpdateMemberRole(ctx, workspaceID, userID, role); err != nil {
		if errors.Is(err, store.ErrLastOwner) {
			return nil, errLastOwner
		}
		return nil, err
	}
	s.audit(ctx, workspaceID, session.UserID, "member.role_changed", "user", userID, map[string]any{
		"from": string(current),
		"to":   role,
	})
	return map[string]any{"userId": userID, "role": role}, nil
}

// RemoveMember removes userID from the workspace. Members may always remove
// themselves; removing others needs manage_members over the member's role.
func (s *Service) RemoveMember(ctx context.Context, session Session, workspaceID, userID string) error {
	action := rbac.ActionManageMembers
	if userID == session.UserID {
		action = rbac.ActionRead
	}
	actor, err := s.authorize(ctx, session, workspaceID, action)
	if err != nil {
		return err
	}
	raw, err := s.store.GetMemberRole(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	current := rbac.Normalize(raw)
	if userID != session.UserID && !rbac.CanAssign(actor, current) {
		return domainError(http.StatusForbidden, "ROLE_NOT_ASSIGNABLE", "Member cannot be removed by the caller", nil)
	}
	if err := s.store.RemoveMember(ctx, workspaceID, userID); err != nil {
		if errors.Is(err, store.ErrLastOwner) {
			return errLastOwner
		}
		return err
	}
	s.audit(ctx, workspaceID, session.UserID, "member.removed", "user", userID, map[string]any{"role": string(current)})
	return nil
}

func (s *Service) ListPlans(ctx context.Context) ([]map[string]any, error) {
	plans, err := s.billing.Plans(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(plans))
	for _, p := range plans {
		items = append(items, planPayload(p))
	}
	return items, nil
}

func (s *Service) GetBilling(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	report, err := s.billing.Usage(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return reportPayload(report), nil
}

func (s *Service) ChangePlan(ctx context.Context, session Session, workspaceID, code string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageBilling); err != nil {
		return nil, err
	}
	return s.changePlan(ctx, session, workspaceID, code)
}

func (s *Service) changePlan(ctx context.Context, session Session, workspaceID, code string) (map[string]any, error) {
	plan, err := s.billing.ChangePlan(ctx, workspaceID, code)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, workspaceID, session.UserID, "plan.changed", "workspace", workspaceID, map[string]any{
		"plan":       plan.Code,
		"superAdmin": session.SuperAdmin,
	})
	report, err := s.billing.Usage(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return reportPayload(report), nil
}
