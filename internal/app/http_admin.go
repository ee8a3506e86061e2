package app

import "net/http"

// handleAdmin serves the super admin back-office under /api/admin.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if err := requireSuperAdmin(session); err != nil {
		s.fail(w, r, err)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "workspaces":
		items, err := s.service.AdminListWorkspaces(ctx, session, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "plan":
		var body struct {
			Plan string `json:"plan"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AdminChangePlan(ctx, session, parts[1], body.Plan)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "users":
		items, err := s.service.AdminListUsers(ctx, session, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": items})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "audit":
		items, err := s.service.AdminListAudit(ctx, session, queryInt(r, "limit", 100))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": items})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "knowledge" && parts[1] == "recover":
		recovered, err := s.service.AdminRecoverIngestion(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recovered": recovered})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
