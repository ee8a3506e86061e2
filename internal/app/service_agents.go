package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"cockpit/api/internal/agentrepo"
	"cockpit/api/internal/rbac"
	"cockpit/api/internal/store"
	"cockpit/api/internal/util"
)

const (
	maxAgentName     = 120
	maxSystemPrompt  = 20000
	maxVersionsLimit = 100
)

type AgentInput struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	SystemPrompt *string  `json:"systemPrompt"`
	Model        *string  `json:"model"`
	Temperature  *float64 `json:"temperature"`
}

func (in AgentInput) apply(a *store.Agent) {
	if in.Name != nil {
		a.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		a.Description = strings.TrimSpace(*in.Description)
	}
	if in.SystemPrompt != nil {
		a.SystemPrompt = strings.TrimSpace(*in.SystemPrompt)
	}
	if in.Model != nil {
		a.Model = strings.TrimSpace(*in.Model)
	}
	if in.Temperature != nil {
		a.Temperature = *in.Temperature
	}
}

func validateAgent(a store.Agent) error {
	if a.Name == "" {
		return validationError("name is required")
	}
	if utf8.RuneCountInString(a.Name) > maxAgentName {
		return validationError(fmt.Sprintf("name must be at most %d characters", maxAgentName))
	}
	if utf8.RuneCountInString(a.SystemPrompt) > maxSystemPrompt {
		return validationError(fmt.Sprintf("systemPrompt must be at most %d characters", maxSystemPrompt))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return validationError("temperature must be between 0 and 2")
	}
	return nil
}

func (s *Service) resolveAgent(ctx context.Context, session Session, workspaceID, agentID string, action rbac.Action) (store.Agent, rbac.Role, error) {
	role, err := s.authorize(ctx, session, workspaceID, action)
	if err != nil {
		return store.Agent{}, role, err
	}
	agent, err := s.store.GetAgent(ctx, workspaceID, agentID)
	if err != nil {
		return store.Agent{}, role, err
	}
	return agent, role, nil
}

func (s *Service) CreateAgent(ctx context.Context, session Session, workspaceID string, in AgentInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	agent := store.Agent{
		ID:          util.NewID("ag"),
		WorkspaceID: workspaceID,
		Temperature: 0.2,
		CreatedBy:   session.UserID,
	}
	in.apply(&agent)
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	if err := s.billing.CheckAgents(ctx, workspaceID); err != nil {
		return nil, err
	}
	if err := s.store.InsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := s.history.EnsureAgentRepo(agent.ID, agentConfig(agent), session.UserName); err != nil {
		s.log.Warnw("init agent history", "agent", agent.ID, "error", err)
	}
	s.audit(ctx, workspaceID, session.UserID, "agent.created", "agent", agent.ID, map[string]any{"name": agent.Name})

	created, err := s.store.GetAgent(ctx, workspaceID, agent.ID)
	if err != nil {
		return nil, err
	}
	return agentPayload(created), nil
}

func (s *Service) ListAgents(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		items = append(items, agentPayload(a))
	}
	return items, nil
}

func (s *Service) GetAgent(ctx context.Context, session Session, workspaceID, agentID string) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return agentPayload(agent), nil
}

func (s *Service) UpdateAgent(ctx context.Context, session Session, workspaceID, agentID string, in AgentInput) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	before := agentConfig(agent)
	in.apply(&agent)
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	after := agentConfig(agent)
	if !agentrepo.HasChanges(before, after) {
		return agentPayload(agent), nil
	}
	return s.saveAgent(ctx, session, agent, before, "Update agent", "agent.updated")
}

// saveAgent persists the agent row, then commits its configuration.
func (s *Service) saveAgent(ctx context.Context, session Session, agent store.Agent, before agentrepo.Config, message, auditAction string) (map[string]any, error) {
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	after := agentConfig(agent)
	payload := map[string]any{"changes": agentrepo.DiffFields(before, after)}
	if err := s.history.EnsureAgentRepo(agent.ID, before, session.UserName); err != nil {
		s.log.Warnw("init agent history", "agent", agent.ID, "error", err)
	} else if version, err := s.history.CommitConfig(agent.ID, after, session.UserName, message); err != nil {
		s.log.Warnw("commit agent config", "agent", agent.ID, "error", err)
	} else {
		payload["version"] = version.Hash
	}
	s.audit(ctx, agent.WorkspaceID, session.UserID, auditAction, "agent", agent.ID, payload)

	updated, err := s.store.GetAgent(ctx, agent.WorkspaceID, agent.ID)
	if err != nil {
		return nil, err
	}
	return agentPayload(updated), nil
}

// DeleteAgent drops the agent's vectors, keyword entries and objects before
// the rows, so a failure leaves the agent in place to retry.
func (s *Service) DeleteAgent(ctx context.Context, session Session, workspaceID, agentID string) error {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	if err := s.knowledge.DeleteAgentKnowledge(ctx, agent.ID); err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, workspaceID, agent.ID); err != nil {
		return err
	}
	if err := s.history.Remove(agent.ID); err != nil {
		s.log.Warnw("remove agent history", "agent", agent.ID, "error", err)
	}
	s.audit(ctx, workspaceID, session.UserID, "agent.deleted", "agent", agent.ID, map[string]any{"name": agent.Name})
	return nil
}

func (s *Service) AgentVersions(ctx context.Context, session Session, workspaceID, agentID string, limit int) ([]agentrepo.Version, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxVersionsLimit {
		limit = maxVersionsLimit
	}
	versions, err := s.history.History(agent.ID, limit)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []agentrepo.Version{}
	}
	return versions, nil
}

// RestoreAgentVersion applies the configuration recorded at hash as a new
// version.
func (s *Service) RestoreAgentVersion(ctx context.Context, session Session, workspaceID, agentID, hash string) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	cfg, version, err := s.history.GetConfigByHash(agent.ID, hash)
	if err != nil {
		if errors.Is(err, agentrepo.ErrVersionNotFound) {
			return nil, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", map[string]any{"hash": hash})
		}
		return nil, err
	}
	before := agentConfig(agent)
	agent.Name = cfg.Name
	agent.Description = cfg.Description
	agent.SystemPrompt = cfg.SystemPrompt
	agent.Model = cfg.Model
	agent.Temperature = cfg.Temperature
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	return s.saveAgent(ctx, session, agent, before, "Restore version "+version.Hash, "agent.restored")
}
