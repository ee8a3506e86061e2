package app

import (
	"context"

	"cockpit/api/internal/knowledge"
	"cockpit/api/internal/rbac"
)

type FileUpload struct {
	FileName string
	Title    string
	Data     []byte
}

type TextUpload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (s *Service) AddFileSource(ctx context.Context, session Session, workspaceID, agentID string, upload FileUpload) (map[string]any, bool, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionManageKnowledge)
	if err != nil {
		return nil, false, err
	}
	result, err := s.knowledge.AddFileSource(ctx, knowledge.FileInput{
		WorkspaceID: workspaceID,
		AgentID:     agent.ID,
		CreatedBy:   session.UserID,
		FileName:    upload.FileName,
		Title:       upload.Title,
		Data:        upload.Data,
	})
	if err != nil {
		return nil, false, err
	}
	return s.sourceAdded(ctx, session, result), result.Duplicate, nil
}

func (s *Service) AddTextSource(ctx context.Context, session Session, workspaceID, agentID string, upload TextUpload) (map[string]any, bool, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionManageKnowledge)
	if err != nil {
		return nil, false, err
	}
	result, err := s.knowledge.AddTextSource(ctx, knowledge.TextInput{
		WorkspaceID: workspaceID,
		AgentID:     agent.ID,
		CreatedBy:   session.UserID,
		Title:       upload.Title,
		Text:        upload.Text,
	})
	if err != nil {
		return nil, false, err
	}
	return s.sourceAdded(ctx, session, result), result.Duplicate, nil
}

func (s *Service) sourceAdded(ctx context.Context, session Session, result knowledge.AddResult) map[string]any {
	src := result.Source
	if !result.Duplicate {
		s.audit(ctx, src.WorkspaceID, session.UserID, "kb.source.added", "kb_source", src.ID, map[string]any{
			"agentId":   src.AgentID,
			"title":     src.Title,
			"sizeBytes": src.SizeBytes,
		})
	}
	payload := sourcePayload(src)
	payload["duplicate"] = result.Duplicate
	return payload
}

func (s *Service) ListSources(ctx context.Context, session Session, workspaceID, agentID string) ([]map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	sources, err := s.knowledge.ListSources(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sources))
	for _, src := range sources {
		items = append(items, sourcePayload(src))
	}
	return items, nil
}

func (s *Service) KnowledgeSummary(ctx context.Context, session Session, workspaceID, agentID string) (knowledge.Summary, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return knowledge.Summary{}, err
	}
	return s.knowledge.Summary(ctx, agent.ID)
}

func (s *Service) GetSource(ctx context.Context, session Session, workspaceID, agentID, sourceID string) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	src, err := s.knowledge.GetSource(ctx, agent.ID, sourceID)
	if err != nil {
		return nil, err
	}
	return sourcePayload(src), nil
}

func (s *Service) SourceStatus(ctx context.Context, session Session, workspaceID, agentID, sourceID string) (knowledge.SourceStatus, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return knowledge.SourceStatus{}, err
	}
	return s.knowledge.SourceStatus(ctx, agent.ID, sourceID)
}

func (s *Service) ReprocessSource(ctx context.Context, session Session, workspaceID, agentID, sourceID string) (map[string]any, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionManageKnowledge)
	if err != nil {
		return nil, err
	}
	src, err := s.knowledge.ReprocessSource(ctx, agent.ID, sourceID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, workspaceID, session.UserID, "kb.source.reprocessed", "kb_source", src.ID, map[string]any{"agentId": agent.ID})
	return sourcePayload(src), nil
}

func (s *Service) DeleteSource(ctx context.Context, session Session, workspaceID, agentID, sourceID string) error {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionManageKnowledge)
	if err != nil {
		return err
	}
	src, err := s.knowledge.GetSource(ctx, agent.ID, sourceID)
	if err != nil {
		return err
	}
	if err := s.knowledge.DeleteSource(ctx, agent.ID, src.ID); err != nil {
		return err
	}
	s.audit(ctx, workspaceID, session.UserID, "kb.source.deleted", "kb_source", src.ID, map[string]any{
		"agentId": agent.ID,
		"title":   src.Title,
	})
	return nil
}

type SearchParams struct {
	Query     string
	Mode      string
	TopK      int
	Threshold *float64
}

func (s *Service) SearchKnowledge(ctx context.Context, session Session, workspaceID, agentID string, params SearchParams) (knowledge.SearchResult, error) {
	agent, _, err := s.resolveAgent(ctx, session, workspaceID, agentID, rbac.ActionRead)
	if err != nil {
		return knowledge.SearchResult{}, err
	}
	var result knowledge.SearchResult
	switch params.Mode {
	case "", "vector":
		result, err = s.knowledge.Search(ctx, knowledge.SearchInput{
			AgentID:   agent.ID,
			Query:     params.Query,
			TopK:      params.TopK,
			Threshold: params.Threshold,
		})
	case "keyword":
		result, err = s.knowledge.KeywordSearch(ctx, agent.ID, params.Query, params.TopK)
	default:
		return knowledge.SearchResult{}, validationError("mode must be vector or keyword")
	}
	if err != nil {
		return knowledge.SearchResult{}, err
	}
	if result.Hits == nil {
		result.Hits = []knowledge.Hit{}
	}
	return result, nil
}
