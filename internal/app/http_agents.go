package app

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

const (
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

// handleAgents serves /api/workspaces/{w}/agents/...
func (s *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListAgents(ctx, session, workspaceID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"agents": items})
		case http.MethodPost:
			var body AgentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateAgent(ctx, session, workspaceID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	agentID := parts[0]
	rest := parts[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetAgent(ctx, session, workspaceID, agentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body AgentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateAgent(ctx, session, workspaceID, agentID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteAgent(ctx, session, workspaceID, agentID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "knowledge":
		s.handleKnowledge(w, r, session, workspaceID, agentID, rest[1:])
		return
	case "conversations":
		s.handleConversations(w, r, session, workspaceID, agentID, rest[1:])
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "versions" {
		versions, err := s.service.AgentVersions(ctx, session, workspaceID, agentID, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "versions" && rest[2] == "restore" {
		payload, err := s.service.RestoreAgentVersion(ctx, session, workspaceID, agentID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleKnowledge(w http.ResponseWriter, r *http.Request, session Session, workspaceID, agentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListSources(ctx, session, workspaceID, agentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sources": items})
		case http.MethodPost:
			s.handleAddSource(w, r, session, workspaceID, agentID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "summary" {
		summary, err := s.service.KnowledgeSummary(ctx, session, workspaceID, agentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search" {
		params, err := searchParams(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.SearchKnowledge(ctx, session, workspaceID, agentID, params)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query": params.Query,
			"mode":  result.Mode,
			"hits":  result.Hits,
		})
		return
	}

	sourceID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetSource(ctx, session, workspaceID, agentID, sourceID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteSource(ctx, session, workspaceID, agentID, sourceID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "status" {
		status, err := s.service.SourceStatus(ctx, session, workspaceID, agentID, sourceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "reprocess" {
		payload, err := s.service.ReprocessSource(ctx, session, workspaceID, agentID, sourceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func searchParams(r *http.Request) (SearchParams, error) {
	query := r.URL.Query()
	params := SearchParams{
		Query: query.Get("q"),
		Mode:  strings.ToLower(strings.TrimSpace(query.Get("mode"))),
		TopK:  queryInt(r, "topK", 0),
	}
	if raw := strings.TrimSpace(query.Get("threshold")); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return SearchParams{}, validationError("threshold must be a number")
		}
		params.Threshold = &threshold
	}
	return params, nil
}

// handleAddSource accepts either a multipart upload ("file", optional
// "title") or a JSON text source.
func (s *HTTPServer) handleAddSource(w http.ResponseWriter, r *http.Request, session Session, workspaceID, agentID string) {
	ctx := r.Context()
	var (
		payload   map[string]any
		duplicate bool
		err       error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var upload FileUpload
		upload, err = s.readUpload(w, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload, duplicate, err = s.service.AddFileSource(ctx, session, workspaceID, agentID, upload)
	} else {
		var body TextUpload
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, duplicate, err = s.service.AddTextSource(ctx, session, workspaceID, agentID, body)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) (FileUpload, error) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return FileUpload{}, err
		}
		return FileUpload{}, domainError(http.StatusBadRequest, "INVALID_UPLOAD", "Invalid multipart upload", nil)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return FileUpload{}, validationError("file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return FileUpload{}, fmt.Errorf("read upload: %w", err)
	}
	return FileUpload{
		FileName: header.Filename,
		Title:    r.FormValue("title"),
		Data:     data,
	}, nil
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, session Session, workspaceID, agentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListConversations(ctx, session, workspaceID, agentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.StartConversation(ctx, session, workspaceID, agentID, body.Title)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	conversationID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetConversation(ctx, session, workspaceID, agentID, conversationID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteConversation(ctx, session, workspaceID, agentID, conversationID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "messages" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListMessages(ctx, session, workspaceID, agentID, conversationID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		case http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SendMessage(ctx, session, workspaceID, agentID, conversationID, body.Content)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "export" {
		result, err := s.service.ExportConversation(ctx, session, workspaceID, agentID, conversationID, r.URL.Query().Get("format"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
