package app

import (
	"time"

	"cockpit/api/internal/agentrepo"
	"cockpit/api/internal/billing"
	"cockpit/api/internal/store"
)

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func workspacePayload(ws store.Workspace, role string) map[string]any {
	payload := map[string]any{
		"id":        ws.ID,
		"name":      ws.Name,
		"slug":      ws.Slug,
		"plan":      ws.PlanCode,
		"createdBy": ws.CreatedBy,
		"createdAt": timeString(ws.CreatedAt),
		"updatedAt": timeString(ws.UpdatedAt),
	}
	if role != "" {
		payload["role"] = role
	}
	return payload
}

func memberPayload(m store.Member) map[string]any {
	return map[string]any{
		"userId":   m.UserID,
		"name":     m.Name,
		"email":    m.Email,
		"role":     m.Role,
		"joinedAt": timeString(m.CreatedAt),
	}
}

func planPayload(p store.Plan) map[string]any {
	return map[string]any{
		"code":            p.Code,
		"name":            p.Name,
		"priceCents":      p.PriceCents,
		"maxMembers":      p.MaxMembers,
		"maxAgents":       p.MaxAgents,
		"maxSources":      p.MaxSources,
		"maxStorageBytes": p.MaxStorageBytes,
		"monthlyMessages": p.MonthlyMessages,
	}
}

func usagePayload(u store.Usage) map[string]any {
	return map[string]any{
		"members":           u.Members,
		"agents":            u.Agents,
		"sources":           u.Sources,
		"storageBytes":      u.StorageBytes,
		"messagesThisMonth": u.MessagesThisMonth,
	}
}

func reportPayload(r billing.Report) map[string]any {
	return map[string]any{
		"plan":     planPayload(r.Plan),
		"usage":    usagePayload(r.Usage),
		"exceeded": nonNilLimits(billing.Exceeded(r.Plan, r.Usage)),
	}
}

func nonNilLimits(l []billing.Limit) []billing.Limit {
	if l == nil {
		return []billing.Limit{}
	}
	return l
}

func agentPayload(a store.Agent) map[string]any {
	return map[string]any{
		"id":           a.ID,
		"workspaceId":  a.WorkspaceID,
		"name":         a.Name,
		"description":  a.Description,
		"systemPrompt": a.SystemPrompt,
		"model":        a.Model,
		"temperature":  a.Temperature,
		"createdBy":    a.CreatedBy,
		"createdAt":    timeString(a.CreatedAt),
		"updatedAt":    timeString(a.UpdatedAt),
	}
}

func agentConfig(a store.Agent) agentrepo.Config {
	return agentrepo.Config{
		Name:         a.Name,
		Description:  a.Description,
		SystemPrompt: a.SystemPrompt,
		Model:        a.Model,
		Temperature:  a.Temperature,
	}
}

func sourcePayload(src store.KBSource) map[string]any {
	payload := map[string]any{
		"id":          src.ID,
		"agentId":     src.AgentID,
		"kind":        src.Kind,
		"title":       src.Title,
		"fileName":    src.FileName,
		"contentType": src.ContentType,
		"sizeBytes":   src.SizeBytes,
		"checksum":    src.Checksum,
		"status":      src.Status,
		"chunkCount":  src.ChunkCount,
		"tokenCount":  src.TokenCount,
		"createdBy":   src.CreatedBy,
		"createdAt":   timeString(src.CreatedAt),
		"updatedAt":   timeString(src.UpdatedAt),
	}
	if src.Error != "" {
		payload["error"] = src.Error
	}
	if src.ProcessedAt != nil {
		payload["processedAt"] = timeString(*src.ProcessedAt)
	}
	return payload
}

func conversationPayload(c store.Conversation) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"agentId":   c.AgentID,
		"userId":    c.UserID,
		"title":     c.Title,
		"createdAt": timeString(c.CreatedAt),
		"updatedAt": timeString(c.UpdatedAt),
	}
}

func messagePayload(m store.Message) map[string]any {
	citations := m.Citations
	if citations == nil {
		citations = []store.Citation{}
	}
	return map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"role":           m.Role,
		"content":        m.Content,
		"citations":      citations,
		"createdAt":      timeString(m.CreatedAt),
	}
}

func auditPayloads(entries []store.AuditEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":           e.ID,
			"workspaceId":  e.WorkspaceID,
			"actorId":      e.ActorID,
			"action":       e.Action,
			"resourceType": e.ResourceType,
			"resourceId":   e.ResourceID,
			"payload":      e.Payload,
			"createdAt":    timeString(e.CreatedAt),
		})
	}
	return items
}

func userPayload(u store.User) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"name":      u.Name,
		"email":     u.Email,
		"createdAt": timeString(u.CreatedAt),
	}
}
